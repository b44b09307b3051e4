package types

// Version is the engine version, reported by the CLI and the
// monitoring API.
const Version = "0.1.0"
