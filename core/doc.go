// Package core defines the shared data model of flowmesh: flow graphs and
// their immutable session snapshots, the event union streamed to clients,
// typed persona configurations, transcripts, routing records, the error
// taxonomy and the collaborator interfaces (flow loader, agent loader,
// conversational backend) that the session runtime is built against.
package core
