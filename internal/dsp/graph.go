package dsp

import "github.com/MrWong99/voicememo/pkg/audio"

// Stage is an in-place processing step of a [Graph]. Process runs on the
// real-time callback and must not block or allocate.
type Stage interface {
	Process(samples []float32, sampleRate int)
}

// Graph is the capture processing chain: adaptive gain, then each stage in
// order. The default chain is equalizer then limiter.
//
// A Graph owns its scratch memory and is bound to a single producer; it is
// not safe for concurrent Process calls.
type Graph struct {
	stages  []Stage
	scratch []float32
}

// NewGraph returns a graph with gain followed by stages and a single
// limiter. Limiters in stages are dropped and the limiter always runs last,
// so output is bounded whatever the stages do.
func NewGraph(stages ...Stage) *Graph {
	chain := make([]Stage, 0, len(stages)+1)
	for _, s := range stages {
		switch s.(type) {
		case Limiter, *Limiter:
			continue
		}
		chain = append(chain, s)
	}
	chain = append(chain, Limiter{})
	return &Graph{stages: chain, scratch: make([]float32, 0, 4096)}
}

// NewVoiceGraph returns the standard chain: gain, eq, limiter.
func NewVoiceGraph(eq *Equalizer) *Graph {
	return NewGraph(eq)
}

// Process runs buf through the chain. The input is left untouched; the
// returned buffer aliases the graph's scratch memory and is valid until the
// next call.
func (g *Graph) Process(buf audio.Buffer) (audio.Buffer, GainDecision) {
	g.scratch = append(g.scratch[:0], buf.Samples...)
	d := AdaptiveGain(g.scratch)
	for _, s := range g.stages {
		s.Process(g.scratch, buf.SampleRate)
	}
	out := buf
	out.Samples = g.scratch
	return out, d
}
