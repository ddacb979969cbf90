// Package plugin implements the ordered transform pipeline (component
// J) applied to outgoing and incoming messages. Grounded on the
// ordered-middleware shape common across this pack's message-broker
// adapters (each stage runs in registration order and can itself decide
// whether a failure aborts the chain).
package plugin

import (
	"fmt"

	"github.com/Azure/go-sbcore/message"
)

// Plugin is one stage of the pipeline. BeforeSend runs on the sender's
// outgoing path, AfterReceive on the receiver's incoming path, both in
// registration order.
type Plugin interface {
	Name() string
	BeforeSend(msg *message.Message) (*message.Message, error)
	AfterReceive(msg *message.Message) (*message.Message, error)
	// PropagatesErrors reports whether an error from this plugin should
	// abort the operation (true, the default expectation) or merely be
	// reported while the original message continues down the pipeline
	// (false).
	PropagatesErrors() bool
}

// BasePlugin provides default no-op hooks and PropagatesErrors() ==
// true, so concrete plugins only implement the hook(s) they care
// about.
type BasePlugin struct {
	PluginName string
}

func (b BasePlugin) Name() string { return b.PluginName }
func (b BasePlugin) BeforeSend(msg *message.Message) (*message.Message, error) {
	return msg, nil
}
func (b BasePlugin) AfterReceive(msg *message.Message) (*message.Message, error) {
	return msg, nil
}
func (b BasePlugin) PropagatesErrors() bool { return true }

// ErrorReporter receives a plugin's errors when PropagatesErrors is false.
type ErrorReporter func(pluginName string, err error)

// Pipeline is an ordered list of uniquely-named plugins.
type Pipeline struct {
	plugins  []Plugin
	names    map[string]bool
	OnSwallowedError ErrorReporter
}

// NewPipeline returns an empty pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{names: map[string]bool{}}
}

// Register appends p to the pipeline. Returns an error if p's name is
// already registered.
func (pl *Pipeline) Register(p Plugin) error {
	if pl.names[p.Name()] {
		return fmt.Errorf("plugin pipeline: duplicate plugin name %q", p.Name())
	}
	pl.names[p.Name()] = true
	pl.plugins = append(pl.plugins, p)
	return nil
}

// RunBeforeSend runs every plugin's BeforeSend hook in registration
// order over msg.
func (pl *Pipeline) RunBeforeSend(msg *message.Message) (*message.Message, error) {
	for _, p := range pl.plugins {
		next, err := p.BeforeSend(msg)
		if err != nil {
			if p.PropagatesErrors() {
				return nil, fmt.Errorf("plugin %q: %w", p.Name(), err)
			}
			pl.report(p.Name(), err)
			continue
		}
		msg = next
	}
	return msg, nil
}

// RunAfterReceive runs every plugin's AfterReceive hook in registration
// order over msg.
func (pl *Pipeline) RunAfterReceive(msg *message.Message) (*message.Message, error) {
	for _, p := range pl.plugins {
		next, err := p.AfterReceive(msg)
		if err != nil {
			if p.PropagatesErrors() {
				return nil, fmt.Errorf("plugin %q: %w", p.Name(), err)
			}
			pl.report(p.Name(), err)
			continue
		}
		msg = next
	}
	return msg, nil
}

func (pl *Pipeline) report(name string, err error) {
	if pl.OnSwallowedError != nil {
		pl.OnSwallowedError(name, err)
	}
}
