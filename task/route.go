package task

import (
	"strings"
	"time"
)

// Domain names group kinds served by one processor.
const (
	DomainSimple     = "simple"
	DomainTTS        = "tts"
	DomainTTSToVideo = "tts-to-video"
)

// Route binds a kind to where its records live.
type Route struct {
	Kind     Kind
	Domain   string
	Queue    string
	Map      string
	Prefix   string
	WaitStep time.Duration // approximate time budget per queued task ahead
	Phases   []Phase       // empty for single-call kinds
}

// DomainInfo describes the queues and record map owned by one processor.
type DomainInfo struct {
	Name   string
	Map    string
	Queues []string // priority order
}

var routes = []Route{
	{Kind: KindSimple, Domain: DomainSimple, Queue: "simple_queue", Map: "simple_tasks", Prefix: "simple_", WaitStep: 30 * time.Second},
	{Kind: KindTTSPreprocess, Domain: DomainTTS, Queue: "tts_preprocess_queue", Map: "tts_tasks", Prefix: "tts_preprocess_", WaitStep: 30 * time.Second},
	{Kind: KindTTSInvoke, Domain: DomainTTS, Queue: "tts_invoke_queue", Map: "tts_tasks", Prefix: "tts_invoke_", WaitStep: 20 * time.Second},
	{
		Kind: KindTTSToVideo, Domain: DomainTTSToVideo, Queue: "tts_to_video_queue", Map: "tts_to_video_tasks", Prefix: "tts_to_video_", WaitStep: 90 * time.Second,
		Phases: []Phase{PhasePending, PhaseTTS, PhaseTranscription, PhaseVideo, PhaseCompleted},
	},
}

// Routes returns the routing table in priority order.
func Routes() []Route {
	out := make([]Route, len(routes))
	copy(out, routes)
	return out
}

// RouteFor returns the route of kind k.
func RouteFor(k Kind) (Route, bool) {
	for _, r := range routes {
		if r.Kind == k {
			return r, true
		}
	}
	return Route{}, false
}

// RouteForID resolves a route from the domain prefix of a task ID.
func RouteForID(id string) (Route, bool) {
	var best Route
	found := false
	for _, r := range routes {
		if strings.HasPrefix(id, r.Prefix) && len(r.Prefix) > len(best.Prefix) {
			best, found = r, true
		}
	}
	return best, found
}

// Domains groups the routing table by domain, keeping queue priority order.
func Domains() []DomainInfo {
	var out []DomainInfo
	idx := map[string]int{}
	for _, r := range routes {
		i, ok := idx[r.Domain]
		if !ok {
			idx[r.Domain] = len(out)
			out = append(out, DomainInfo{Name: r.Domain, Map: r.Map})
			i = len(out) - 1
		}
		out[i].Queues = append(out[i].Queues, r.Queue)
	}
	return out
}

// DomainByName returns the domain with the given name.
func DomainByName(name string) (DomainInfo, bool) {
	for _, d := range Domains() {
		if d.Name == name {
			return d, true
		}
	}
	return DomainInfo{}, false
}
