// Package xraysignals ingests X-ray device telemetry from a JetStream stream,
// validates and persists it, and serves the stored signals over HTTP.
//
// # Pipeline
//
// Devices (or the optional MQTT bridge) publish JSON documents on
// "xray.data.<source>" subjects. A durable pull consumer delivers each
// document to the ingest service, which runs it through the decoder and
// stores the resulting signal:
//
//	MQTT ──► bridge ──┐
//	                  ├──► JetStream (XRAY_DATA) ──► ingest ──► decoder ──► store (SQLite)
//	POST /inject ─────┘                                  │
//	                                                     └──► XRAY_DLQ (terminated messages)
//
// Every delivered message receives exactly one disposition:
//
//   - Ack when the signal was stored.
//   - Term when the payload can never succeed. The raw payload is first
//     republished to the dead-letter stream with the failure reason in headers.
//   - Nak with a backoff delay when the failure is transient (store busy,
//     NATS hiccup). The broker redelivers until MaxDeliver is reached.
//
// # Packages
//
//   - telemetry: Signal, DataPoint, and the decoded document types
//   - decoder: payload parsing and validation policy
//   - ingest: JetStream consumer, acknowledgment controller, DLQ publisher
//   - store: SQLite persistence with bulk insert, CRUD, and device delete
//   - query: filter and pagination parameters and the projected page
//   - api: HTTP CRUD, list, inject, and health endpoints
//   - bridge: MQTT to JetStream forwarder
//   - natsclient: connection management and JetStream helpers
//   - config: file and environment configuration
//   - health, metric, errors: ambient infrastructure shared by the above
//
// # Running
//
//	xraysignals -config config.json -log-level info
//
// Configuration is read from JSON files and overridden by XRAY_* environment
// variables, optionally loaded from a .env file. See package config.
package xraysignals
