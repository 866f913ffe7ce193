package carousel

import (
	"cmp"
	"slices"

	"github.com/aura-webinar/carousel/internal/models"
)

// Channels is the ordered, active content of both rotation tracks.
type Channels struct {
	Main []models.Slide
	Ad   []models.Slide
}

// Get returns the sequence for ch.
func (c Channels) Get(ch models.Channel) []models.Slide {
	if ch == models.ChannelAd {
		return c.Ad
	}
	return c.Main
}

// Partition keeps active slides, splits them by channel and orders each channel by rank.
// Unranked slides follow the ranked ones. Equal ranks keep their snapshot order. Both
// sequences are non-nil.
func Partition(slides []models.Slide) Channels {
	out := Channels{Main: []models.Slide{}, Ad: []models.Slide{}}
	for _, s := range slides {
		if !s.IsActive {
			continue
		}
		if s.Channel == models.ChannelAd {
			out.Ad = append(out.Ad, s)
		} else {
			out.Main = append(out.Main, s)
		}
	}
	byRank := func(a, b models.Slide) int {
		if a.HasRank != b.HasRank {
			if a.HasRank {
				return -1
			}
			return 1
		}
		return cmp.Compare(a.Rank, b.Rank)
	}
	slices.SortStableFunc(out.Main, byRank)
	slices.SortStableFunc(out.Ad, byRank)
	return out
}
