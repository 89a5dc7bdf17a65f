// Package progress defines the crawl lifecycle events fanned out to sinks.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageCrawlStart Stage = "CRAWL_START"
	StageCrawlPage  Stage = "CRAWL_PAGE"
	StageCrawlDone  Stage = "CRAWL_DONE"
	StageCrawlError Stage = "CRAWL_ERROR"
)

// Terminal reports whether the stage ends a crawl.
func (s Stage) Terminal() bool {
	return s == StageCrawlDone || s == StageCrawlError
}

// Outcome classifies how a crawl ended.
type Outcome string

// Crawl outcomes carried by done and error events.
const (
	OutcomeSuccess     Outcome = "success"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeFailed      Outcome = "failed"
	OutcomeCanceled    Outcome = "canceled"
)

// Event captures a single crawl milestone.
type Event struct {
	// CrawlID identifies the crawl using the 16-byte UUID form.
	CrawlID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	Stage Stage
	// SpaceID is the wiki space being crawled.
	SpaceID string
	// RootToken is the subtree root, empty for the whole space.
	RootToken string
	// Items is the number of nodes discovered: a page delta for page events,
	// the crawl total for done events.
	Items int64
	// Pages is the number of listing pages: one for page events, the crawl
	// total for done events.
	Pages   int64
	Outcome Outcome
	Dur     time.Duration
	// Note carries low-volume context such as the error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.CrawlID == [16]byte{} {
		return errors.New("crawl id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageCrawlStart, StageCrawlPage:
		if e.SpaceID == "" {
			return fmt.Errorf("%s requires space id", e.Stage)
		}
	case StageCrawlDone:
		if e.Outcome != "" && e.Outcome != OutcomeSuccess {
			return fmt.Errorf("crawl done cannot carry outcome %q", e.Outcome)
		}
	case StageCrawlError:
		if e.Outcome == "" || e.Outcome == OutcomeSuccess {
			return errors.New("crawl error requires a failure outcome")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Items < 0 || e.Pages < 0 {
		return errors.New("counters must be >= 0")
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// CrawlUUID converts the binary crawl ID to uuid.UUID for repositories.
func (e Event) CrawlUUID() uuid.UUID {
	return uuid.UUID(e.CrawlID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
