package types

// GrowSlice returns a slice of length newLen, reusing the storage of myslice
// when its capacity allows. Existing contents are not preserved beyond the
// common length.
func GrowSlice[T any](myslice []T, newLen int) (biggerSlice []T) {
	if cap(myslice) >= newLen {
		return myslice[:newLen]
	}
	biggerSlice = make([]T, newLen)
	copy(biggerSlice, myslice)
	return
}
