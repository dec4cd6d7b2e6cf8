// Package flowedit is the core of a flow graph editor. A flow is a stored
// document of node instances, containers embedding sub-flows, and links
// between their ports. The packages below keep an in-memory graph of one
// flow in sync with its store, validate it, and drive editing gestures.
//
//   - entity: nodes, ports and links, and the rules for linking ports
//   - validation: flow-level warnings such as missing start links
//   - exposed: which ports of a sub-flow its containers expose
//   - flowgraph: the editable graph of one flow and its reconciliation
//   - treeview: a read-only tree of a flow and every sub-flow for monitoring
//   - mode, interaction: the editor mode machine and gesture orchestration
//   - flowstore, changebus, template: documents, change feeds and templates
//     over NATS JetStream KV or Redis
//   - session, gateway/ws: editor sessions served over websocket
//
// The flowedit command serves sessions and validates stored flows.
package flowedit
