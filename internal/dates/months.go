package dates

import "time"

// MonthTable maps lower-case month names and abbreviations to months.
type MonthTable map[string]time.Month

// Spanish month names, including the "setiembre" variant and common abbreviations.
var Spanish = MonthTable{
	"enero": time.January, "ene": time.January,
	"febrero": time.February, "feb": time.February,
	"marzo": time.March, "mar": time.March,
	"abril": time.April, "abr": time.April,
	"mayo": time.May, "may": time.May,
	"junio": time.June, "jun": time.June,
	"julio": time.July, "jul": time.July,
	"agosto": time.August, "ago": time.August,
	"septiembre": time.September, "setiembre": time.September, "sept": time.September, "sep": time.September, "set": time.September,
	"octubre": time.October, "oct": time.October,
	"noviembre": time.November, "nov": time.November,
	"diciembre": time.December, "dic": time.December,
}

// English month names and abbreviations.
var English = MonthTable{
	"january": time.January, "jan": time.January,
	"february": time.February, "feb": time.February,
	"march": time.March, "mar": time.March,
	"april": time.April, "apr": time.April,
	"may": time.May,
	"june": time.June, "jun": time.June,
	"july": time.July, "jul": time.July,
	"august": time.August, "aug": time.August,
	"september": time.September, "sept": time.September, "sep": time.September,
	"october": time.October, "oct": time.October,
	"november": time.November, "nov": time.November,
	"december": time.December, "dec": time.December,
}

// Tables lists the built-in tables by locale code.
var Tables = map[string]MonthTable{
	"es": Spanish,
	"en": English,
}

// merge combines tables; later tables win on conflicting keys.
func merge(tables ...MonthTable) MonthTable {
	out := make(MonthTable)
	for _, t := range tables {
		for k, v := range t {
			out[k] = v
		}
	}
	return out
}
