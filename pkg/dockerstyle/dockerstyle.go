// Package dockerstyle provides small presentation helpers: the docker-style name the
// Container Manager gives a container when the caller doesn't supply one, and a
// human-readable relative-time renderer. `ps` and `packages` output do not use
// HumanReadableAge, and byte sizes are rendered by pkg/archive.FormatSize. A direct
// behavioral port of TSDAP/utils/dockerstyle.py.
package dockerstyle

import (
	"fmt"
	"math/rand"
	"time"
)

var adjectives = []string{
	"agile", "brave", "calm", "daring", "eager", "fierce",
	"gentle", "happy", "jolly", "keen", "lazy", "mighty",
	"noble", "quick", "rustic", "sly", "tiny", "witty",
}

var animals = []string{
	"antelope", "bear", "cat", "dog", "elephant", "fox",
	"giraffe", "hawk", "iguana", "jellyfish", "kangaroo",
	"lion", "monkey", "octopus", "penguin", "quokka", "rabbit",
	"tiger", "unicorn", "vulture", "wolf", "zebra",
}

// GenerateName returns a unique docker-style "adjective-animal-timestamp" name, used as a
// container's default name when the caller does not supply one.
func GenerateName(now time.Time) string {
	adjective := adjectives[rand.Intn(len(adjectives))]
	animal := animals[rand.Intn(len(animals))]
	return fmt.Sprintf("%s-%s-%d", adjective, animal, now.UnixMilli())
}

// HumanReadableAge renders the time elapsed between past and now in the coarsest unit that
// keeps the number under 60/24/30/12, e.g. "3 minutes ago", "2 months ago".
func HumanReadableAge(past, now time.Time) string {
	diff := now.Sub(past)

	seconds := diff.Seconds()
	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24
	months := days / 30.44
	years := months / 12

	switch {
	case seconds < 60:
		return fmt.Sprintf("%d seconds ago", int(seconds))
	case minutes < 60:
		return fmt.Sprintf("%d minutes ago", int(minutes))
	case hours < 24:
		return fmt.Sprintf("%d hours ago", int(hours))
	case days < 30:
		return fmt.Sprintf("%d days ago", int(days))
	case months < 12:
		return fmt.Sprintf("%d months ago", int(months))
	default:
		return fmt.Sprintf("%d years ago", int(years))
	}
}
