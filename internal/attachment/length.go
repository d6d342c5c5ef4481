package attachment

import "math"

const (
	minPaddedSize = 541
	paddingGrowth = 1.05

	cipherBlockSize = 16
	cipherIVSize    = 16
	cipherMACSize   = 32
)

// PaddedSize returns the size a plaintext of size bytes is padded to before
// encryption: the next power of 1.05, never below 541 bytes.
func PaddedSize(size int64) int64 {
	bucket := math.Floor(math.Pow(paddingGrowth, math.Ceil(math.Log(float64(size))/math.Log(paddingGrowth))))
	return max(minPaddedSize, int64(bucket))
}

// CiphertextLength returns the encrypted stream length for a padded
// plaintext: IV, PKCS#7 padded CBC body and trailing MAC.
func CiphertextLength(plaintextLength int64) int64 {
	return cipherIVSize + (plaintextLength/cipherBlockSize+1)*cipherBlockSize + cipherMACSize
}

// ArchiveObjectLength is the length of the encrypted object the archive
// service copies for an attachment of the given plaintext size.
func ArchiveObjectLength(size int64) int64 {
	return CiphertextLength(PaddedSize(size))
}
