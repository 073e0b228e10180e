// Package ingest turns a streaming generation response into structured
// result updates.
//
// The upstream endpoint answers with server-sent-event frames whose
// payloads are inconsistent: some carry structured result fields, some
// bury a media link in markdown or chat-completion deltas, some only
// ever emit progress text. The ingestor decodes frames, runs a
// prioritized chain of extractors over each one, validates candidate
// URLs against an allow-list, and reports incremental updates plus a
// bounded raw tail for diagnostics.
package ingest

import (
	"encoding/json"
	"io"
)

// DefaultTailLimit bounds the retained raw-protocol tail, in bytes.
const DefaultTailLimit = 4000

// Config configures an Ingestor.
type Config struct {
	// TrustedHosts overrides the allow-list host patterns.
	// Empty uses DefaultTrustedHosts.
	TrustedHosts []string

	// TailLimit bounds the diagnostic tail buffer. Zero uses
	// DefaultTailLimit.
	TailLimit int
}

// Media is a validated result reference.
type Media struct {
	URL  string
	Type MediaType
	Meta Meta
}

// Update is one incremental report emitted per decoded frame.
type Update struct {
	// Progress is set when the frame carried a progress value, and
	// forced to 100 when Media is set.
	Progress *int

	// Media is set when a validated result URL was (re)resolved by
	// this frame. Later frames may overwrite earlier resolutions:
	// upstream servers emit partial then final payloads, so the last
	// valid write wins.
	Media *Media

	// Tail is the current bounded raw tail.
	Tail string
}

// Ingestor consumes one response stream. Not safe for concurrent use;
// create one per job.
type Ingestor struct {
	allow     *Allowlist
	tailLimit int

	tail  string
	media *Media
}

// New creates an ingestor.
func New(cfg Config) (*Ingestor, error) {
	allow, err := NewAllowlist(cfg.TrustedHosts)
	if err != nil {
		return nil, err
	}
	limit := cfg.TailLimit
	if limit <= 0 {
		limit = DefaultTailLimit
	}
	return &Ingestor{allow: allow, tailLimit: limit}, nil
}

// Consume reads the stream to completion, calling emit after every
// decoded frame that produced an update. On stream end, if no media
// was resolved, a final fallback scan over the raw tail runs once.
//
// The returned error is a transport failure; malformed frame payloads
// are tolerated and recorded in the tail instead.
func (in *Ingestor) Consume(r io.Reader, emit func(Update)) error {
	fs := NewFrameScanner(r)
	for {
		frame, err := fs.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if frame.Done {
			continue
		}
		if u, ok := in.ingestFrame(frame); ok {
			emit(u)
		}
	}

	if in.media == nil {
		if candidate, ok := extractFinalFallback(in.tail); ok && in.allow.Allow(candidate) {
			in.setMedia(candidate, nil)
			emit(in.mediaUpdate())
		}
	}
	return nil
}

// ingestFrame applies progress and URL extraction to one frame.
func (in *Ingestor) ingestFrame(frame Frame) (Update, bool) {
	in.appendTail(frame.Raw)

	var obj map[string]any
	// Non-JSON payloads are a tolerated protocol error: skip parsing,
	// keep the raw text in the tail.
	_ = json.Unmarshal([]byte(frame.Payload), &obj)

	view := frameView{obj: obj, raw: frame.Raw, tail: in.tail}

	update := Update{Tail: in.tail}
	if p, ok := extractProgress(obj, frame.Raw); ok {
		progress := p
		update.Progress = &progress
	}

	for _, ex := range urlExtractors {
		candidate, ok := ex.fn(view)
		if !ok {
			continue
		}
		// Rejected candidates are discarded, not surfaced: the
		// stream may quote unrelated URLs long before the result.
		if in.allow.Allow(candidate) {
			in.setMedia(candidate, obj)
			update.Media = in.media
			hundred := 100
			update.Progress = &hundred
		}
		break
	}

	return update, true
}

// Media returns the resolved result, or nil when the stream produced
// no validated URL.
func (in *Ingestor) Media() *Media {
	return in.media
}

// Tail returns the bounded raw-protocol tail.
func (in *Ingestor) Tail() string {
	return in.tail
}

func (in *Ingestor) setMedia(candidate string, obj map[string]any) {
	in.media = &Media{
		URL:  candidate,
		Type: ClassifyMediaType(candidate),
		Meta: extractMeta(obj),
	}
}

func (in *Ingestor) mediaUpdate() Update {
	hundred := 100
	return Update{Progress: &hundred, Media: in.media, Tail: in.tail}
}

func (in *Ingestor) appendTail(raw string) {
	in.tail += raw + "\n"
	if len(in.tail) > in.tailLimit {
		in.tail = in.tail[len(in.tail)-in.tailLimit:]
	}
}
