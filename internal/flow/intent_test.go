package flow

import "testing"

func TestParseIntent(t *testing.T) {
	cases := []struct {
		body     string
		wantKind IntentKind
		wantText string
	}{
		{"klausimas: kas yra PVM?", IntentAsk, "kas yra PVM?"},
		{"Klausimas kada susitinkam", IntentAsk, "kada susitinkam"},
		{"  KLAUSIMAS:  kur?  ", IntentAsk, "kur?"},
		{"neatsakyti klausimai", IntentList, ""},
		{"Neatsakyti Klausimai prašau", IntentList, ""},
		{"labas", IntentHelp, ""},
		{"Labas, kas čia?", IntentHelp, ""},
		{"taip", IntentAccept, ""},
		{" TAIP ", IntentAccept, ""},
		{"ne", IntentReject, ""},
		{"xxx", IntentFinalize, ""},
		{"  xxx  ", IntentFinalize, ""},
		{"taip tikrai", IntentText, "taip tikrai"},
		{"nezinau", IntentText, "nezinau"},
		{"40 proc.", IntentText, "40 proc."},
	}
	for _, c := range cases {
		got := ParseIntent(c.body)
		if got.Kind != c.wantKind || got.Text != c.wantText {
			t.Errorf("ParseIntent(%q) = {%s %q}, want {%s %q}",
				c.body, got.Kind, got.Text, c.wantKind, c.wantText)
		}
	}
}

func TestParseIntentRejectBeforeListPrefix(t *testing.T) {
	// "ne" is an exact match; it must not shadow the longer list keyword.
	if got := ParseIntent("neatsakyti klausimai"); got.Kind != IntentList {
		t.Errorf("ParseIntent(list keyword) = %s, want list", got.Kind)
	}
	if got := ParseIntent("ne"); got.Kind != IntentReject {
		t.Errorf("ParseIntent(\"ne\") = %s, want reject", got.Kind)
	}
}
