package model

import "time"

type ArtifactKind string

const (
	// ArtifactDirectory is a build output directory owned by the orchestrator.
	ArtifactDirectory ArtifactKind = "directory"
	// ArtifactAsset references an already-assembled asset the orchestrator
	// does not own (e.g. the source root for pass-through runtimes).
	ArtifactAsset ArtifactKind = "asset"
)

type BuildArtifact struct {
	FunctionID  string       `json:"functionId"`
	Fingerprint string       `json:"fingerprint"`
	ProducedAt  time.Time    `json:"producedAt"`
	Kind        ArtifactKind `json:"kind"`
	Location    string       `json:"location"`
	Entry       string       `json:"entry"`
}

type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

type BridgeConnection struct {
	Endpoint     string    `json:"endpoint"`
	State        ConnState `json:"state"`
	LastActivity time.Time `json:"lastActivity"`
	Peers        int       `json:"peers"`
	InFlight     int       `json:"inFlight"`
}
