package citation

// romanNumerals maps article numbers to the roman fragment used in the
// Wikisource element ids (aIII-s2 and friends).
var romanNumerals = map[int]string{
	1: "I",
	2: "II",
	3: "III",
	4: "IV",
	5: "V",
	6: "VI",
	7: "VII",
}

// amendmentOrdinals maps amendment numbers to the ordinal used in the Bill of
// Rights headings. The page numbers the proposed articles, and the first
// ratified amendment was proposed as the second one, hence the offset.
var amendmentOrdinals = map[int]string{
	1: "second",
	2: "third",
	3: "fourth",
	4: "fifth",
	5: "sixth",
	6: "seventh",
	7: "eighth",
	8: "ninth",
	9: "tenth",
}

// fallbackAmendmentAnchor is used for amendment 10 and above.
const fallbackAmendmentAnchor = "Article the twelfth"

// Roman returns the roman numeral for an article number (1-7). The second
// result is false for any other number.
func Roman(article int) (string, bool) {
	r, ok := romanNumerals[article]
	return r, ok
}

// AmendmentOrdinal returns the heading ordinal for amendments 1-9.
func AmendmentOrdinal(n int) (string, bool) {
	o, ok := amendmentOrdinals[n]
	return o, ok
}

// AmendmentAnchor returns the heading text that introduces amendment n in the
// Bill of Rights page.
func AmendmentAnchor(n int) string {
	if o, ok := amendmentOrdinals[n]; ok {
		return "Article the " + o
	}
	return fallbackAmendmentAnchor
}
