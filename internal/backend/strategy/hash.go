package strategy

import (
	"io"
	"os"

	"github.com/zeebo/xxh3"

	"github.com/easysave/easysave/internal/store/constants"
)

// HashFile returns the xxh3 64-bit digest of the file content.
func HashFile(name string) (uint64, error) {
	f, err := os.Open(name)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	h := xxh3.New()
	buf := make([]byte, constants.CopyBufferSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}
