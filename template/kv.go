package template

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/MOV-AI/flowedit/errors"
	"github.com/MOV-AI/flowedit/flowstore"
	"github.com/MOV-AI/flowedit/natsclient"
)

// NodeKey is the KV key of a node template.
func NodeKey(name string) string {
	return string(KindNode) + "." + name
}

// KVFetcher reads node templates from a KV bucket (key Node.<name>) and
// flow templates from the flow store.
type KVFetcher struct {
	nodes  *natsclient.KVStore
	flows  flowstore.Loader
	logger *slog.Logger
}

// NewKVFetcher creates a fetcher. flows may be nil when no Container is
// ever resolved.
func NewKVFetcher(nodes *natsclient.KVStore, flows flowstore.Loader, logger *slog.Logger) *KVFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KVFetcher{
		nodes:  nodes,
		flows:  flows,
		logger: logger.With("component", "template.KVFetcher", "bucket", nodes.Bucket()),
	}
}

// FetchNode reads and validates one node template.
func (f *KVFetcher) FetchNode(ctx context.Context, name string) (*NodeTemplate, error) {
	entry, err := f.nodes.Get(ctx, NodeKey(name))
	if err != nil {
		if natsclient.IsNotFound(err) {
			return nil, fmt.Errorf("%s %q: %w", KindNode, name, errors.ErrTemplateNotFound)
		}
		return nil, errors.WrapTransient(err, "template", "KVFetcher.FetchNode", "get template")
	}

	var doc map[string]any
	if err := json.Unmarshal(entry.Value, &doc); err != nil {
		return nil, errors.WrapInvalid(err, "template", "KVFetcher.FetchNode", "decode template")
	}
	if err := ValidateNodeDocument(doc); err != nil {
		return nil, err
	}
	t, err := ParseNodeTemplate(name, entry.Value)
	if err != nil {
		return nil, errors.WrapInvalid(err, "template", "KVFetcher.FetchNode", "decode template")
	}
	return t, nil
}

// FetchFlow loads a flow from the flow store.
func (f *KVFetcher) FetchFlow(ctx context.Context, name string) (*FlowTemplate, error) {
	return fetchFlow(ctx, f.flows, name)
}

// Notify reports node template puts and deletes.
func (f *KVFetcher) Notify(ctx context.Context, fn func(Kind, string)) (func(), error) {
	return watchKeys(ctx, f.nodes, NodeKey(">"), f.logger, func(key string) {
		if name, ok := strings.CutPrefix(key, string(KindNode)+"."); ok {
			fn(KindNode, name)
		}
	})
}

// FlowNotifier reports changes of any flow in the flow bucket, so cached
// sub-flow templates are dropped when the sub-flow is edited.
type FlowNotifier struct {
	flows  *natsclient.KVStore
	logger *slog.Logger
}

// NewFlowNotifier watches the flow bucket.
func NewFlowNotifier(flows *natsclient.KVStore, logger *slog.Logger) *FlowNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &FlowNotifier{flows: flows, logger: logger.With("component", "template.FlowNotifier")}
}

// Notify reports the flow id of every changed entry.
func (n *FlowNotifier) Notify(ctx context.Context, fn func(Kind, string)) (func(), error) {
	return watchKeys(ctx, n.flows, ">", n.logger, func(key string) {
		if flowID, _, _, ok := flowstore.ParseEntryKey(key); ok {
			fn(KindFlow, flowID)
		}
	})
}

func watchKeys(ctx context.Context, kv *natsclient.KVStore, pattern string, logger *slog.Logger, fn func(key string)) (func(), error) {
	watcher, err := kv.Watch(ctx, pattern, jetstream.UpdatesOnly())
	if err != nil {
		return nil, err
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case entry, open := <-watcher.Updates():
				if !open {
					return
				}
				if entry != nil {
					fn(entry.Key())
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			if err := watcher.Stop(); err != nil {
				logger.Debug("Watcher stop failed", "error", err)
			}
			<-done
		})
	}, nil
}

// FlowFetcher pairs a node template fetcher with a flow store, for
// backends where flows and node templates live apart.
type FlowFetcher struct {
	Nodes Fetcher
	Flows flowstore.Loader
}

// FetchNode delegates to Nodes.
func (f FlowFetcher) FetchNode(ctx context.Context, name string) (*NodeTemplate, error) {
	return f.Nodes.FetchNode(ctx, name)
}

// FetchFlow loads the flow from Flows.
func (f FlowFetcher) FetchFlow(ctx context.Context, name string) (*FlowTemplate, error) {
	return fetchFlow(ctx, f.Flows, name)
}

func fetchFlow(ctx context.Context, loader flowstore.Loader, name string) (*FlowTemplate, error) {
	if loader == nil {
		return nil, fmt.Errorf("%s %q: %w", KindFlow, name, errors.ErrTemplateNotFound)
	}
	doc, err := loader.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(doc.NodeInst) == 0 && len(doc.Container) == 0 && len(doc.Links) == 0 {
		return nil, fmt.Errorf("%s %q: %w", KindFlow, name, errors.ErrTemplateNotFound)
	}
	return &FlowTemplate{Name: name, Document: doc}, nil
}
