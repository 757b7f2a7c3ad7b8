package extract

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/realtime-events-crawler/internal/crawler"
	"github.com/JakeFAU/realtime-events-crawler/internal/normalize"
)

// SelectorSet describes how to find event nodes and their fields with CSS.
// Field selectors are tried in order inside each item; the first non-empty match wins.
type SelectorSet struct {
	Name        string   `mapstructure:"name"`
	Item        string   `mapstructure:"item"`
	Title       []string `mapstructure:"title"`
	Date        []string `mapstructure:"date"`
	Venue       []string `mapstructure:"venue"`
	Link        []string `mapstructure:"link"`
	Price       []string `mapstructure:"price"`
	MusicStyles []string `mapstructure:"music_styles"`
	Lineup      []string `mapstructure:"lineup"`
	Description []string `mapstructure:"description"`
}

var (
	genericTitle       = []string{".event-title", ".mec-event-title", ".title", "h1", "h2", "h3", "h4", "a"}
	genericDate        = []string{"time", ".event-date", ".mec-start-date-label", ".date", ".fecha", "[datetime]"}
	genericVenue       = []string{".venue", ".club", ".location", ".lugar", ".sala", ".mec-event-loc-place"}
	genericLink        = []string{"a.tickets", "a.ticket", "a[href*='ticket']", "a[href*='entradas']", "a.mec-booking-button", "a"}
	genericPrice       = []string{".price", ".precio", ".mec-event-cost", ".cost"}
	genericStyles      = []string{".genres li", ".genre", ".music-style", ".estilo", ".tags .tag"}
	genericLineup      = []string{".lineup li", ".artists li", ".artist", ".dj"}
	genericDescription = []string{".description", ".excerpt", ".mec-event-description", "p"}
)

// DefaultSelectorSets are the generic fallbacks tried after any source-specific sets.
func DefaultSelectorSets() []SelectorSet {
	cards := SelectorSet{
		Name:        "event-cards",
		Item:        ".event-item, .event, .evento, .mec-event-article, .event-card",
		Title:       genericTitle,
		Date:        genericDate,
		Venue:       genericVenue,
		Link:        genericLink,
		Price:       genericPrice,
		MusicStyles: genericStyles,
		Lineup:      genericLineup,
		Description: genericDescription,
	}
	articles := cards
	articles.Name = "article"
	articles.Item = "article"

	microdata := SelectorSet{
		Name:        "microdata",
		Item:        "[itemtype*='schema.org/Event'], [itemtype*='schema.org/MusicEvent']",
		Title:       []string{"[itemprop='name']"},
		Date:        []string{"[itemprop='startDate']"},
		Venue:       []string{"[itemprop='location'] [itemprop='name']", "[itemprop='location']"},
		Link:        []string{"[itemprop='offers'] [itemprop='url']", "[itemprop='url']"},
		Price:       []string{"[itemprop='price']", "[itemprop='lowPrice']"},
		Lineup:      []string{"[itemprop='performer'] [itemprop='name']", "[itemprop='performer']"},
		Description: []string{"[itemprop='description']"},
	}
	return []SelectorSet{cards, articles, microdata}
}

// selectorStrategy applies one SelectorSet.
type selectorStrategy struct {
	set SelectorSet
}

func (s selectorStrategy) Name() string {
	return s.set.Name
}

func (s selectorStrategy) Extract(doc *goquery.Document, base *url.URL) Result {
	var res Result
	if strings.TrimSpace(s.set.Item) == "" {
		return res
	}
	doc.Find(s.set.Item).Each(func(_ int, node *goquery.Selection) {
		res.Candidates++
		partial := crawler.PartialEvent{
			Title:       firstText(node, s.set.Title),
			DateText:    firstDate(node, s.set.Date),
			Venue:       firstText(node, s.set.Venue),
			TicketLink:  firstLink(node, s.set.Link, base),
			Price:       firstText(node, s.set.Price),
			MusicStyles: textList(node, s.set.MusicStyles),
			Lineup:      textList(node, s.set.Lineup),
			Description: firstText(node, s.set.Description),
		}
		if partial.Title == "" || partial.DateText == "" {
			res.Discarded++
			return
		}
		res.Events = append(res.Events, partial)
	})
	return res
}

func firstText(node *goquery.Selection, selectors []string) string {
	for _, sel := range selectors {
		if text := nodeText(node.Find(sel).First()); text != "" {
			return text
		}
	}
	return ""
}

// firstDate prefers machine-readable attributes over the visible text.
func firstDate(node *goquery.Selection, selectors []string) string {
	for _, sel := range selectors {
		match := node.Find(sel).First()
		if match.Length() == 0 {
			continue
		}
		for _, attr := range []string{"datetime", "content", "data-date"} {
			if v, ok := match.Attr(attr); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
		if text := crawler.CleanText(match.Text()); text != "" {
			return text
		}
	}
	return ""
}

func firstLink(node *goquery.Selection, selectors []string, base *url.URL) string {
	for _, sel := range selectors {
		var link string
		node.Find(sel).EachWithBreak(func(_ int, a *goquery.Selection) bool {
			for _, attr := range []string{"href", "content"} {
				if href, ok := a.Attr(attr); ok {
					if link = crawler.ResolveURL(base, href); link != "" {
						return false
					}
				}
			}
			return true
		})
		if link != "" {
			return link
		}
	}
	if href, ok := node.Attr("href"); ok {
		return crawler.ResolveURL(base, href)
	}
	return ""
}

// textList collects repeated elements; a single element holding separated text is split.
func textList(node *goquery.Selection, selectors []string) []string {
	for _, sel := range selectors {
		var items []string
		node.Find(sel).Each(func(_ int, s *goquery.Selection) {
			if text := nodeText(s); text != "" {
				items = append(items, text)
			}
		})
		switch len(items) {
		case 0:
			continue
		case 1:
			return normalize.SplitList(items[0])
		default:
			return items
		}
	}
	return nil
}

func nodeText(s *goquery.Selection) string {
	if s.Length() == 0 {
		return ""
	}
	if text := crawler.CleanText(s.Text()); text != "" {
		return text
	}
	if v, ok := s.Attr("content"); ok {
		return crawler.CleanText(v)
	}
	return ""
}
