package lock

// ReadWrite pairs a read and a write lock on the same resource. The two are
// independent owners: holding Write and then calling Read.Lock enqueues a
// read behind the held write and blocks.
type ReadWrite struct {
	Read  *Lock
	Write *Lock
}

// NewReadWrite returns both locks of resource.
func NewReadWrite(s *Session, resource string) (*ReadWrite, error) {
	r, err := New(s, resource, Read)
	if err != nil {
		return nil, err
	}
	w, err := New(s, resource, Write)
	if err != nil {
		return nil, err
	}
	return &ReadWrite{Read: r, Write: w}, nil
}
