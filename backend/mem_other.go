//go:build !linux

package backend

func allocate(size int64) ([]byte, error) {
	return make([]byte, size), nil
}

func release([]byte) error {
	return nil
}

func zero(b []byte) error {
	clear(b)
	return nil
}
