package page

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Summary describes a loaded page for logs and session status
type Summary struct {
	Title    string `json:"title"`
	Videos   int    `json:"videos"`
	Audios   int    `json:"audios"`
	Images   int    `json:"images"`
	Requests int64  `json:"requests"`
}

// Summarize extracts the title and media element counts from page HTML
func Summarize(html string) (Summary, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Summary{}, err
	}

	return Summary{
		Title:  strings.TrimSpace(doc.Find("title").First().Text()),
		Videos: doc.Find("video").Length(),
		Audios: doc.Find("audio").Length(),
		Images: doc.Find("img").Length(),
	}, nil
}
