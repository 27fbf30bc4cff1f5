package citation

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Citation
	}{
		{"article and section", "3:2", Citation{Kind: KindArticle, Article: 3, Section: "2"}},
		{"surrounding whitespace", "  1:8  ", Citation{Kind: KindArticle, Article: 1, Section: "8"}},
		{"extra tokens ignored", "2:1 please", Citation{Kind: KindArticle, Article: 2, Section: "1"}},
		{"amendment keyword", "AMD 1", Citation{Kind: KindAmendment, Amendment: 1}},
		{"amendment keyword lowercase", "amd 5", Citation{Kind: KindAmendment, Amendment: 5}},
		{"amendment fused", "amd10", Citation{Kind: KindAmendment, Amendment: 10}},
		{"section with clause", "1:9-c2", Citation{Kind: KindArticle, Article: 1, Section: "9-c2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParse_Incomplete(t *testing.T) {
	got, err := Parse("3")
	if !errors.Is(err, ErrIncomplete) {
		t.Fatalf("Parse(%q) error = %v, want ErrIncomplete", "3", err)
	}
	if got.Kind != KindArticle || got.Article != 3 {
		t.Errorf("partial citation = %+v, want article 3", got)
	}
	if got.Section != "" {
		t.Errorf("Section = %q, want empty", got.Section)
	}
}

func TestParse_Failures(t *testing.T) {
	inputs := []string{
		"",
		"   ",
		"0:1",
		"8:1",
		"x:1",
		"AMD",
		"AMD x",
		"AMD 0",
		"AMD 28",
		"3:",
		"3:<b>",
		"3:2:1",
		"3::2",
		"hello world",
	}
	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			_, err := Parse(in)
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("Parse(%q) error = %v, want *ParseError", in, err)
			}
		})
	}
}

func TestParseSection(t *testing.T) {
	got, err := ParseSection(3, " 2 ")
	if err != nil {
		t.Fatalf("ParseSection: %v", err)
	}
	want := Citation{Kind: KindArticle, Article: 3, Section: "2"}
	if got != want {
		t.Errorf("ParseSection = %+v, want %+v", got, want)
	}
}

func TestParseSection_FullCitationWins(t *testing.T) {
	got, err := ParseSection(1, "4:3")
	if err != nil {
		t.Fatalf("ParseSection: %v", err)
	}
	if got.Article != 4 || got.Section != "3" {
		t.Errorf("ParseSection = %+v, want 4:3", got)
	}
}

func TestParseSection_LeadingColon(t *testing.T) {
	got, err := ParseSection(2, ":1")
	if err != nil {
		t.Fatalf("ParseSection: %v", err)
	}
	if got.Article != 2 || got.Section != "1" {
		t.Errorf("ParseSection = %+v, want 2:1", got)
	}
}

func TestParseSection_NestedColonRejected(t *testing.T) {
	_, err := ParseSection(1, "3:2:1")
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("ParseSection(1, %q) error = %v, want *ParseError", "3:2:1", err)
	}
}

func TestParseSection_BadArticle(t *testing.T) {
	if _, err := ParseSection(9, "1"); err == nil {
		t.Fatal("expected error for article 9")
	}
}

func TestParseAmendment(t *testing.T) {
	tests := []string{"4", " 4 ", "AMD 4", "amd 4", "AMD4", "amd4 please"}
	for _, in := range tests {
		t.Run(in, func(t *testing.T) {
			got, err := ParseAmendment(in)
			if err != nil {
				t.Fatalf("ParseAmendment(%q): %v", in, err)
			}
			if got.Kind != KindAmendment || got.Amendment != 4 {
				t.Errorf("ParseAmendment(%q) = %+v", in, got)
			}
		})
	}
}

func TestParseAmendment_Failures(t *testing.T) {
	for _, in := range []string{"", "AMD", "AMD AMD 1", "AMDx", "0", "28"} {
		t.Run(in, func(t *testing.T) {
			if _, err := ParseAmendment(in); err == nil {
				t.Errorf("ParseAmendment(%q): expected error", in)
			}
		})
	}
}

func TestCitation_TitleAndKey(t *testing.T) {
	tests := []struct {
		c         Citation
		wantTitle string
		wantKey   string
		wantStr   string
	}{
		{Citation{Kind: KindArticle, Article: 3, Section: "2"}, "Article III Section 2", "aIII-s2", "3:2"},
		{Citation{Kind: KindArticle, Article: 7, Section: "1"}, "Article VII Section 1", "aVII-s1", "7:1"},
		{Citation{Kind: KindAmendment, Amendment: 1}, "Amendment 1", "amd1", "AMD 1"},
	}
	for _, tt := range tests {
		if got := tt.c.Title(); got != tt.wantTitle {
			t.Errorf("Title() = %q, want %q", got, tt.wantTitle)
		}
		if got := tt.c.Key(); got != tt.wantKey {
			t.Errorf("Key() = %q, want %q", got, tt.wantKey)
		}
		if got := tt.c.String(); got != tt.wantStr {
			t.Errorf("String() = %q, want %q", got, tt.wantStr)
		}
	}
}

func TestKind_String(t *testing.T) {
	if KindArticle.String() != "article" || KindAmendment.String() != "amendment" {
		t.Error("unexpected kind names")
	}
	if Kind(0).String() != "unknown" {
		t.Error("zero kind should be unknown")
	}
}
