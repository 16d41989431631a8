package similarity

import "testing"

func TestNormalizerZeroValueComposes(t *testing.T) {
	var n Normalizer
	if got := n.Normalize("e\u0301"); got != "\u00e9" {
		t.Fatalf("expected NFC composition, got %q", got)
	}
	if got := n.Normalize("Hello, World"); got != "Hello, World" {
		t.Fatalf("zero normalizer must not fold, got %q", got)
	}
}

func TestSpeechNormalizer(t *testing.T) {
	n := SpeechNormalizer()
	cases := map[string]string{
		"健康です。":        "健康です",
		"ＡＢＣ":          "abc",
		"Yes, please!": "yesplease",
		"ｶﾞｯｺｳ":        "ガッコウ",
		"具合 が 悪い":      "具合が悪い",
		"":             "",
	}
	for in, want := range cases {
		if got := n.Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}
