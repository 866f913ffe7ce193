package models

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Channel is one of the two independent rotation tracks.
type Channel string

const (
	// ChannelMain carries editorial slides. Anything not tagged "ad" lands here.
	ChannelMain Channel = "main"
	// ChannelAd carries advertisement slides.
	ChannelAd Channel = "ad"
)

// Channels lists every rotation track in display order.
var Channels = []Channel{ChannelMain, ChannelAd}

// ParseChannel maps a stored channel tag to a Channel; unknown or missing tags fall back to main.
func ParseChannel(tag string) Channel {
	if strings.EqualFold(strings.TrimSpace(tag), string(ChannelAd)) {
		return ChannelAd
	}
	return ChannelMain
}

// LinkKind says how a slide's link target is interpreted.
type LinkKind string

const (
	// LinkContent targets a content item (a book) resolved by id.
	LinkContent LinkKind = "content"
	// LinkURL targets an arbitrary external URL.
	LinkURL LinkKind = "url"
)

// Window is an optional activation window. A nil bound is unbounded on that side.
type Window struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// Display is the presentation payload of a slide; the engine never interprets it.
type Display struct {
	Title         string `json:"title,omitempty"`
	Subtitle      string `json:"subtitle,omitempty"`
	ImageRef      string `json:"image_ref,omitempty"`
	ImageURL      string `json:"image_url,omitempty"`
	TitleColor    string `json:"title_color,omitempty"`
	SubtitleColor string `json:"subtitle_color,omitempty"`
}

// Slide is a promotional unit delivered by the document store.
type Slide struct {
	ID      string  `json:"id"`
	Channel Channel `json:"channel"`
	Rank    int     `json:"rank"`
	// HasRank is false when the document carries no usable rank; such slides sort last.
	HasRank    bool     `json:"-"`
	IsActive   bool     `json:"is_active"`
	Window     *Window  `json:"active_window,omitempty"`
	LinkKind   LinkKind `json:"link_kind,omitempty"`
	LinkTarget string   `json:"link_target,omitempty"`
	Display    Display  `json:"display"`
}

// Field names of a slide document as written by the content tooling.
const (
	FieldIsActive = "isActive"
	FieldRank     = "rank"
)

// DecodeSlide builds a Slide from a raw JSON document. Unknown or malformed fields
// decode to their zero value; malformed window bounds are dropped.
func DecodeSlide(id string, raw []byte) Slide {
	doc := gjson.ParseBytes(raw)
	s := Slide{
		ID:       id,
		Channel:  ParseChannel(firstOf(doc, "channel", "type").String()),
		IsActive: doc.Get(FieldIsActive).Bool(),
		Display: Display{
			Title:         doc.Get("title").String(),
			Subtitle:      doc.Get("subtitle").String(),
			ImageRef:      firstOf(doc, "imageRef", "image").String(),
			TitleColor:    doc.Get("titleColor").String(),
			SubtitleColor: doc.Get("subtitleColor").String(),
		},
	}

	s.Rank, s.HasRank = parseRank(firstOf(doc, FieldRank, "order"))

	start := firstOf(doc, "activeWindow.start", "startDate")
	end := firstOf(doc, "activeWindow.end", "endDate")
	var w Window
	if t, ok := ParseInstant(start); ok {
		w.Start = &t
	}
	if t, ok := ParseInstant(end); ok {
		w.End = &t
	}
	if w.Start != nil || w.End != nil {
		s.Window = &w
	}

	target := doc.Get("linkTarget").String()
	switch LinkKind(strings.ToLower(doc.Get("linkKind").String())) {
	case LinkURL:
		s.LinkKind, s.LinkTarget = LinkURL, target
	case LinkContent:
		s.LinkKind, s.LinkTarget = LinkContent, target
	default:
		if bookID := doc.Get("bookId").String(); bookID != "" {
			s.LinkKind, s.LinkTarget = LinkContent, bookID
		} else if u := doc.Get("url").String(); u != "" {
			s.LinkKind, s.LinkTarget = LinkURL, u
		}
	}
	return s
}

func parseRank(r gjson.Result) (int, bool) {
	switch r.Type {
	case gjson.Number:
		return int(r.Int()), true
	case gjson.String:
		if n, err := strconv.Atoi(strings.TrimSpace(r.Str)); err == nil {
			return n, true
		}
	}
	return 0, false
}

func firstOf(doc gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if r := doc.Get(p); r.Exists() {
			return r
		}
	}
	return gjson.Result{}
}

var instantLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseInstant decodes a timestamp in any of the representations the store has used:
// RFC3339 and date strings, epoch seconds or milliseconds, and {seconds, nanoseconds}
// objects. It reports false for anything it cannot read.
func ParseInstant(r gjson.Result) (time.Time, bool) {
	switch r.Type {
	case gjson.String:
		s := strings.TrimSpace(r.Str)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range instantLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromEpoch(f)
		}
		return time.Time{}, false
	case gjson.Number:
		return fromEpoch(r.Num)
	case gjson.JSON:
		if !r.IsObject() {
			return time.Time{}, false
		}
		secs := firstOf(r, "seconds", "_seconds")
		if secs.Type != gjson.Number {
			return time.Time{}, false
		}
		if secs.Num < 0 || secs.Num > maxEpochSeconds {
			return time.Time{}, false
		}
		nanos := firstOf(r, "nanoseconds", "_nanoseconds").Int()
		return time.Unix(secs.Int(), nanos).UTC(), true
	default:
		return time.Time{}, false
	}
}

// epoch values above this are milliseconds (1e12 s is far beyond year 33000).
const millisThreshold = 1e12

// Instants after 9999-12-31T23:59:59Z are rejected.
const (
	maxEpochSeconds = 253402300799
	maxEpochMillis  = maxEpochSeconds*1000 + 999
)

func fromEpoch(v float64) (time.Time, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return time.Time{}, false
	}
	if v >= millisThreshold {
		if v > maxEpochMillis {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(v)).UTC(), true
	}
	if v > maxEpochSeconds {
		return time.Time{}, false
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
}
