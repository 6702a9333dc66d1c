package worklet

import (
	"fmt"
	"sort"
	"sync"

	"github.com/harunnryd/bulbul/pkg/errorsx"
	"github.com/harunnryd/bulbul/pkg/frames"
	"github.com/harunnryd/bulbul/pkg/pcm"
)

// PCMModule is the identifier the PCM frame encoder is registered under.
const PCMModule = "pcm-worklet"

// Processor turns capture blocks into PCM frames. It runs on the node's own
// goroutine and is never shared.
type Processor interface {
	Process(block []float32, emit func(frames.PCMFrame))
}

// Factory builds a fresh Processor for one node.
type Factory func() (Processor, error)

// Registry maps module identifiers to processor factories.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with the PCM encoder module installed.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(PCMModule, func() (Processor, error) {
		return encoderProcessor{enc: pcm.NewEncoder()}, nil
	})
	return r
}

func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	r.modules[name] = f
	r.mu.Unlock()
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.modules))
	for name := range r.modules {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Load instantiates the named module and starts its node.
func (r *Registry) Load(name string, opts Options) (*Node, error) {
	r.mu.RLock()
	f, ok := r.modules[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errorsx.Wrap(fmt.Errorf("load module %q: not registered (have %v)", name, r.Names()), errorsx.ReasonModuleLoad)
	}
	proc, err := f()
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("load module %q: %w", name, err), errorsx.ReasonModuleLoad)
	}
	if proc == nil {
		return nil, errorsx.Wrap(fmt.Errorf("load module %q: factory returned nil", name), errorsx.ReasonModuleLoad)
	}
	return newNode(name, proc, opts), nil
}

type encoderProcessor struct {
	enc *pcm.Encoder
}

func (p encoderProcessor) Process(block []float32, emit func(frames.PCMFrame)) {
	p.enc.Write(block, emit)
}
