package paxosd

// OperationCodec decodes the opaque bytes carried by a chosen log entry
// back into the embedder's own operation representation. paxosd never
// inspects op bytes itself; it only threads them from Request through to
// Decode once an entry is ready to apply. A reflection-based codec that
// derives itself from an arbitrary Go type is deliberately not provided —
// embedders supply one for their own operation representation.
type OperationCodec interface {
	Decode(opBytes []byte) (any, error)
}

// ApplierFunc applies one decoded operation to the embedder's own data
// structure and returns the result to hand back to whichever client
// submitted it. The embedder closes over its data in implementing this.
type ApplierFunc func(op any) (result []byte, err error)
