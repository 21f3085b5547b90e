package dfu

// translateMemoryError maps a Backend memory-operation failure to the
// wire-visible status code it produces (§4.5). A Backend that returns a
// plain error instead of a MemoryError is treated as ErrUnknown.
func translateMemoryError(err error) StatusCode {
	if me, ok := err.(MemoryError); ok {
		return me.statusCode()
	}
	return ErrUnknown
}

// translateManifestationError maps a Backend.Manifestation failure to the
// wire-visible status code it produces (§4.5).
func translateManifestationError(err error) StatusCode {
	if me, ok := err.(ManifestationError); ok {
		return me.statusCode()
	}
	return ErrUnknown
}
