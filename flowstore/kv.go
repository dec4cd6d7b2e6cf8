package flowstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/MOV-AI/flowedit/errors"
	"github.com/MOV-AI/flowedit/natsclient"
)

// KVStore keeps flow documents in a NATS KV bucket, one key per entry:
// <flow>.<section>.<id>. Entry-granular keys let a watcher on <flow>.>
// deliver each edit as a single-entry delta.
type KVStore struct {
	kv     *natsclient.KVStore
	logger *slog.Logger
}

// NewKVStore creates (or opens) the flow bucket.
func NewKVStore(ctx context.Context, client *natsclient.Client, bucket string, logger *slog.Logger) (*KVStore, error) {
	if client == nil {
		return nil, errors.WrapInvalid(nil, "flowstore", "NewKVStore", "nats client cannot be nil")
	}
	kv, err := client.OpenBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Flow documents, one key per node, link and exposed ports entry",
		History:     10,
	})
	if err != nil {
		return nil, errors.Wrap(err, "flowstore", "NewKVStore", "open flow bucket")
	}
	return NewKVStoreFromBucket(kv, logger), nil
}

// NewKVStoreFromBucket wraps an already opened bucket.
func NewKVStoreFromBucket(kv *natsclient.KVStore, logger *slog.Logger) *KVStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &KVStore{
		kv:     kv,
		logger: logger.With("component", "flowstore.KVStore", "bucket", kv.Bucket()),
	}
}

// Bucket exposes the underlying KV store, used by the change bus to watch it.
func (s *KVStore) Bucket() *natsclient.KVStore {
	return s.kv
}

// EntryKey builds the KV key of one document entry.
func EntryKey(flowID, section, id string) string {
	return flowID + "." + section + "." + id
}

// ParseEntryKey splits a KV key into flow, section and entry id.
func ParseEntryKey(key string) (flowID, section, id string, ok bool) {
	parts := strings.SplitN(key, ".", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// FlowPattern is the watch pattern covering every entry of a flow.
func FlowPattern(flowID string) string {
	return flowID + ".>"
}

// DeltaFromKV translates a watcher entry into a delta. Puts replace the
// whole entry since the KV value is always the full entry.
func DeltaFromKV(entry jetstream.KeyValueEntry) (Delta, bool) {
	flowID, section, id, ok := ParseEntryKey(entry.Key())
	if !ok {
		return Delta{}, false
	}
	d := Delta{FlowID: flowID, Path: []string{section, id}}
	switch entry.Operation() {
	case jetstream.KeyValuePut:
		d.Event = EventHSet
		d.Value = json.RawMessage(entry.Value())
		d.Replace = true
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		d.Event = EventHDel
	default:
		return Delta{}, false
	}
	return d, true
}

// Load reads every entry of a flow. The watcher replays current values and
// then signals the end of the initial set with a nil entry.
func (s *KVStore) Load(ctx context.Context, flowID string) (*Document, error) {
	if err := checkID("Load", "flow", flowID); err != nil {
		return nil, err
	}
	watcher, err := s.kv.Watch(ctx, FlowPattern(flowID), jetstream.IgnoreDeletes())
	if err != nil {
		return nil, errors.WrapTransient(err, "flowstore", "Load", "watch flow keys")
	}
	defer func() {
		if err := watcher.Stop(); err != nil {
			s.logger.Debug("Watcher stop failed", "flow_id", flowID, "error", err)
		}
	}()

	var entries []Entry
	for {
		select {
		case <-ctx.Done():
			return nil, errors.WrapTransient(ctx.Err(), "flowstore", "Load", "read initial values")
		case entry, open := <-watcher.Updates():
			if !open {
				return nil, errors.WrapTransient(errors.ErrConnectionLost, "flowstore", "Load", "read initial values")
			}
			if entry == nil {
				doc, err := documentFromEntries(entries)
				if err != nil {
					return nil, errors.WrapInvalid(err, "flowstore", "Load", "decode flow entries")
				}
				s.logger.Debug("Flow loaded", "flow_id", flowID, "entries", len(entries))
				return doc, nil
			}
			_, section, id, ok := ParseEntryKey(entry.Key())
			if !ok {
				continue
			}
			entries = append(entries, Entry{Section: section, ID: id, Value: entry.Value()})
		}
	}
}

// Save writes every entry of doc and removes stored entries doc lacks.
func (s *KVStore) Save(ctx context.Context, flowID string, doc *Document) error {
	if err := checkID("Save", "flow", flowID); err != nil {
		return err
	}
	entries, err := doc.Entries()
	if err != nil {
		return errors.WrapInvalid(err, "flowstore", "Save", "encode entries")
	}

	keep := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if err := checkID("Save", e.Section, e.ID); err != nil {
			return err
		}
		key := EntryKey(flowID, e.Section, e.ID)
		keep[key] = struct{}{}
		if _, err := s.kv.Put(ctx, key, e.Value); err != nil {
			return errors.WrapTransient(err, "flowstore", "Save", "put entry")
		}
	}

	keys, err := s.kv.Keys(ctx, FlowPattern(flowID))
	if err != nil {
		return errors.WrapTransient(err, "flowstore", "Save", "list flow keys")
	}
	for _, key := range keys {
		if _, ok := keep[key]; ok {
			continue
		}
		if err := s.delete(ctx, key); err != nil {
			return errors.WrapTransient(err, "flowstore", "Save", "delete stale entry")
		}
	}
	return nil
}

// AddLink stores a link entry.
func (s *KVStore) AddLink(ctx context.Context, flowID, id string, link LinkData) error {
	if err := checkID("AddLink", "link", id); err != nil {
		return err
	}
	if err := link.Validate(); err != nil {
		return err
	}
	return s.put(ctx, "AddLink", EntryKey(flowID, SectionLinks, id), link)
}

// DeleteNode removes a node entry. Incident links are deleted by the caller.
func (s *KVStore) DeleteNode(ctx context.Context, flowID, section, id string) error {
	if err := checkNodeSection("DeleteNode", section); err != nil {
		return err
	}
	if err := s.delete(ctx, EntryKey(flowID, section, id)); err != nil {
		return errors.WrapTransient(err, "flowstore", "DeleteNode", "delete node entry")
	}
	return nil
}

// DeleteLink removes a link entry.
func (s *KVStore) DeleteLink(ctx context.Context, flowID, id string) error {
	if err := s.delete(ctx, EntryKey(flowID, SectionLinks, id)); err != nil {
		return errors.WrapTransient(err, "flowstore", "DeleteLink", "delete link entry")
	}
	return nil
}

// SetLinkDependency updates the dependency level of an existing link.
func (s *KVStore) SetLinkDependency(ctx context.Context, flowID, id string, level int) error {
	if level < DependencyBoth || level > DependencyNone {
		return errors.WrapInvalid(errors.ErrInvalidLink, "flowstore", "SetLinkDependency", "dependency out of range")
	}
	err := s.kv.UpdateJSON(ctx, EntryKey(flowID, SectionLinks, id), func(current map[string]any) error {
		if len(current) == 0 {
			return errors.ErrKeyNotFound
		}
		current["Dependency"] = level
		return nil
	})
	return classifyUpdate(err, "SetLinkDependency")
}

// AddNewNode stores a node entry.
func (s *KVStore) AddNewNode(ctx context.Context, flowID, section, id string, data NodeData) error {
	if err := checkNodeSection("AddNewNode", section); err != nil {
		return err
	}
	if err := checkID("AddNewNode", "node", id); err != nil {
		return err
	}
	return s.put(ctx, "AddNewNode", EntryKey(flowID, section, id), data)
}

// SetNodePosition updates the Visualization of an existing node.
func (s *KVStore) SetNodePosition(ctx context.Context, flowID, section, id string, x, y float64) error {
	if err := checkNodeSection("SetNodePosition", section); err != nil {
		return err
	}
	err := s.kv.UpdateJSON(ctx, EntryKey(flowID, section, id), func(current map[string]any) error {
		if len(current) == 0 {
			return errors.ErrKeyNotFound
		}
		current[KeyVisualization] = VisualizationValue(x, y)
		return nil
	})
	return classifyUpdate(err, "SetNodePosition")
}

// SetExposedPorts replaces the exposed ports of one template. An empty map
// removes the entry.
func (s *KVStore) SetExposedPorts(ctx context.Context, flowID, template string, nodes map[string][]string) error {
	if err := checkID("SetExposedPorts", "template", template); err != nil {
		return err
	}
	key := EntryKey(flowID, SectionExposedPorts, template)
	if len(nodes) == 0 {
		if err := s.delete(ctx, key); err != nil {
			return errors.WrapTransient(err, "flowstore", "SetExposedPorts", "delete exposed ports entry")
		}
		return nil
	}
	return s.put(ctx, "SetExposedPorts", key, nodes)
}

func (s *KVStore) put(ctx context.Context, method, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.WrapInvalid(err, "flowstore", method, "marshal entry")
	}
	if _, err := s.kv.Put(ctx, key, data); err != nil {
		return errors.WrapTransient(err, "flowstore", method, "put entry")
	}
	return nil
}

func (s *KVStore) delete(ctx context.Context, key string) error {
	if err := s.kv.Delete(ctx, key); err != nil && !natsclient.IsNotFound(err) {
		return err
	}
	return nil
}

func classifyUpdate(err error, method string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errors.ErrKeyNotFound):
		return errors.WrapInvalid(fmt.Errorf("entry missing: %w", err), "flowstore", method, "update entry")
	default:
		return errors.WrapTransient(err, "flowstore", method, "update entry")
	}
}
