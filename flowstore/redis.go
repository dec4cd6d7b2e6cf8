package flowstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MOV-AI/flowedit/errors"
	"github.com/MOV-AI/flowedit/pkg/retry"
)

// RedisStore keeps each flow in a hash <prefix>:flow:<id> with one field
// per entry ("<section>:<id>"). Every write publishes the matching delta on
// <prefix>:delta:<id> in the same transaction.
type RedisStore struct {
	client *redis.Client
	prefix string
	retry  retry.Config
	logger *slog.Logger
}

// NewRedisStore wraps a connected client.
func NewRedisStore(client *redis.Client, prefix string, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "flowedit"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		retry: retry.Config{
			MaxAttempts:  10,
			InitialDelay: 5 * time.Millisecond,
			MaxDelay:     200 * time.Millisecond,
			Multiplier:   2.0,
			AddJitter:    true,
		},
		logger: logger.With("component", "flowstore.RedisStore"),
	}
}

// Client returns the underlying redis client.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// FlowKey is the hash holding a flow.
func (s *RedisStore) FlowKey(flowID string) string {
	return s.prefix + ":flow:" + flowID
}

// DeltaChannel is the pub/sub channel carrying a flow's deltas.
func (s *RedisStore) DeltaChannel(flowID string) string {
	return s.prefix + ":delta:" + flowID
}

func hashField(section, id string) string {
	return section + ":" + id
}

func splitHashField(field string) (section, id string, ok bool) {
	section, id, ok = strings.Cut(field, ":")
	return section, id, ok && section != "" && id != ""
}

// Load reads the flow hash.
func (s *RedisStore) Load(ctx context.Context, flowID string) (*Document, error) {
	if err := checkID("Load", "flow", flowID); err != nil {
		return nil, err
	}
	fields, err := s.client.HGetAll(ctx, s.FlowKey(flowID)).Result()
	if err != nil {
		return nil, errors.WrapTransient(err, "flowstore", "Load", "read flow hash")
	}

	entries := make([]Entry, 0, len(fields))
	for field, value := range fields {
		section, id, ok := splitHashField(field)
		if !ok {
			s.logger.Warn("Skipping malformed flow field", "flow_id", flowID, "field", field)
			continue
		}
		entries = append(entries, Entry{Section: section, ID: id, Value: json.RawMessage(value)})
	}
	doc, err := documentFromEntries(entries)
	if err != nil {
		return nil, errors.WrapInvalid(err, "flowstore", "Load", "decode flow entries")
	}
	return doc, nil
}

// Save replaces the whole flow hash.
func (s *RedisStore) Save(ctx context.Context, flowID string, doc *Document) error {
	if err := checkID("Save", "flow", flowID); err != nil {
		return err
	}
	entries, err := doc.Entries()
	if err != nil {
		return errors.WrapInvalid(err, "flowstore", "Save", "encode entries")
	}
	values := make(map[string]any, len(entries))
	for _, e := range entries {
		if err := checkID("Save", e.Section, e.ID); err != nil {
			return err
		}
		values[hashField(e.Section, e.ID)] = string(e.Value)
	}
	full, err := json.Marshal(doc)
	if err != nil {
		return errors.WrapInvalid(err, "flowstore", "Save", "encode document")
	}

	key := s.FlowKey(flowID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(values) > 0 {
			pipe.HSet(ctx, key, values)
		}
		s.publish(ctx, pipe, Delta{Event: EventDel, FlowID: flowID})
		s.publish(ctx, pipe, Delta{Event: EventHSet, FlowID: flowID, Value: full, Replace: true})
		return nil
	})
	if err != nil {
		return errors.WrapTransient(err, "flowstore", "Save", "write flow hash")
	}
	return nil
}

// AddLink stores a link entry.
func (s *RedisStore) AddLink(ctx context.Context, flowID, id string, link LinkData) error {
	if err := checkID("AddLink", "link", id); err != nil {
		return err
	}
	if err := link.Validate(); err != nil {
		return err
	}
	return s.setEntry(ctx, "AddLink", flowID, SectionLinks, id, link)
}

// DeleteNode removes a node entry. Incident links are deleted by the caller.
func (s *RedisStore) DeleteNode(ctx context.Context, flowID, section, id string) error {
	if err := checkNodeSection("DeleteNode", section); err != nil {
		return err
	}
	return s.deleteEntry(ctx, "DeleteNode", flowID, section, id)
}

// DeleteLink removes a link entry.
func (s *RedisStore) DeleteLink(ctx context.Context, flowID, id string) error {
	return s.deleteEntry(ctx, "DeleteLink", flowID, SectionLinks, id)
}

// SetLinkDependency updates the dependency level of an existing link.
func (s *RedisStore) SetLinkDependency(ctx context.Context, flowID, id string, level int) error {
	if level < DependencyBoth || level > DependencyNone {
		return errors.WrapInvalid(errors.ErrInvalidLink, "flowstore", "SetLinkDependency", "dependency out of range")
	}
	return s.updateField(ctx, "SetLinkDependency", flowID, SectionLinks, id, "Dependency", level)
}

// AddNewNode stores a node entry.
func (s *RedisStore) AddNewNode(ctx context.Context, flowID, section, id string, data NodeData) error {
	if err := checkNodeSection("AddNewNode", section); err != nil {
		return err
	}
	if err := checkID("AddNewNode", "node", id); err != nil {
		return err
	}
	return s.setEntry(ctx, "AddNewNode", flowID, section, id, data)
}

// SetNodePosition updates the Visualization of an existing node.
func (s *RedisStore) SetNodePosition(ctx context.Context, flowID, section, id string, x, y float64) error {
	if err := checkNodeSection("SetNodePosition", section); err != nil {
		return err
	}
	return s.updateField(ctx, "SetNodePosition", flowID, section, id, KeyVisualization, VisualizationValue(x, y))
}

// SetExposedPorts replaces the exposed ports of one template. An empty map
// removes the entry.
func (s *RedisStore) SetExposedPorts(ctx context.Context, flowID, template string, nodes map[string][]string) error {
	if err := checkID("SetExposedPorts", "template", template); err != nil {
		return err
	}
	if len(nodes) == 0 {
		return s.deleteEntry(ctx, "SetExposedPorts", flowID, SectionExposedPorts, template)
	}
	return s.setEntry(ctx, "SetExposedPorts", flowID, SectionExposedPorts, template, nodes)
}

func (s *RedisStore) setEntry(ctx context.Context, method, flowID, section, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.WrapInvalid(err, "flowstore", method, "marshal entry")
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.FlowKey(flowID), hashField(section, id), string(data))
		s.publish(ctx, pipe, Delta{
			Event:   EventHSet,
			FlowID:  flowID,
			Path:    []string{section, id},
			Value:   data,
			Replace: true,
		})
		return nil
	})
	if err != nil {
		return errors.WrapTransient(err, "flowstore", method, "write entry")
	}
	return nil
}

func (s *RedisStore) deleteEntry(ctx context.Context, method, flowID, section, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.FlowKey(flowID), hashField(section, id))
		s.publish(ctx, pipe, Delta{Event: EventHDel, FlowID: flowID, Path: []string{section, id}})
		return nil
	})
	if err != nil {
		return errors.WrapTransient(err, "flowstore", method, "delete entry")
	}
	return nil
}

// updateField rewrites one field of an existing entry under WATCH so a
// concurrent writer of the same flow forces a retry instead of a lost update.
func (s *RedisStore) updateField(ctx context.Context, method, flowID, section, id, field string, value any) error {
	key := s.FlowKey(flowID)
	hf := hashField(section, id)
	fieldValue, err := json.Marshal(value)
	if err != nil {
		return errors.WrapInvalid(err, "flowstore", method, "marshal field")
	}

	err = retry.Do(ctx, s.retry, func() error {
		return s.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.HGet(ctx, key, hf).Result()
			if err == redis.Nil {
				return retry.NonRetryable(fmt.Errorf("%s/%s: %w", section, id, errors.ErrKeyNotFound))
			}
			if err != nil {
				return err
			}
			current := map[string]any{}
			if err := json.Unmarshal([]byte(raw), &current); err != nil {
				return retry.NonRetryable(err)
			}
			current[field] = value
			next, err := json.Marshal(current)
			if err != nil {
				return retry.NonRetryable(err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, hf, string(next))
				s.publish(ctx, pipe, Delta{
					Event:  EventHSet,
					FlowID: flowID,
					Path:   []string{section, id, field},
					Value:  fieldValue,
				})
				return nil
			})
			return err
		}, key)
	})
	if err != nil {
		if errors.Is(err, errors.ErrKeyNotFound) {
			return errors.WrapInvalid(err, "flowstore", method, "update entry")
		}
		return errors.WrapTransient(err, "flowstore", method, "update entry")
	}
	return nil
}

func (s *RedisStore) publish(ctx context.Context, pipe redis.Pipeliner, d Delta) {
	data, err := json.Marshal(d)
	if err != nil {
		s.logger.Error("Delta encode failed", "flow_id", d.FlowID, "error", err)
		return
	}
	pipe.Publish(ctx, s.DeltaChannel(d.FlowID), data)
}

// ParseDelta decodes a published delta.
func ParseDelta(payload []byte) (Delta, error) {
	var d Delta
	if err := json.Unmarshal(payload, &d); err != nil {
		return d, errors.WrapInvalid(err, "flowstore", "ParseDelta", "decode delta")
	}
	if d.FlowID == "" {
		return d, errors.WrapInvalid(nil, "flowstore", "ParseDelta", "delta without flow id")
	}
	return d, nil
}
