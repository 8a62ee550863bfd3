package engine

// Location identifies a memory space owned by an engine.
type Location int

// HostLocation is host memory. Every engine exposes it.
const HostLocation Location = 0

// ElemSize is the size in bytes of the single element type, float32.
const ElemSize = 4
