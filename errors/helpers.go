package errors

// Wrap tags err with op and component. A nil err stays nil.
func Wrap(err error, op Operation, component Component) error {
	if err == nil {
		return nil
	}
	return E(op, component, err)
}

// WrapKind is Wrap with an explicit kind; an inner SyncError's kind is ignored.
func WrapKind(err error, op Operation, component Component, kind Kind) error {
	if err == nil {
		return nil
	}
	return E(op, component, kind, err)
}
