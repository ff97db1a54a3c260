package download

import "strings"

const mib = 1 << 20

// Policy is the chunk size and the number of chunks fetched in parallel for
// one stream.
type Policy struct {
	ChunkSize   int64
	Concurrency int
}

// PolicyFor picks a Policy from the media size. Videos get larger chunks than
// other payloads of the same size band since players read them sequentially.
func PolicyFor(size int64, mimeType string) Policy {
	var p Policy
	switch {
	case size < 5_000_000:
		p = Policy{ChunkSize: 2 * mib, Concurrency: 4}
	case size < 20_000_000:
		p = Policy{ChunkSize: 4 * mib, Concurrency: 6}
	case size < 50_000_000:
		p = Policy{ChunkSize: 4 * mib, Concurrency: 8}
	case size < 100_000_000:
		p = Policy{ChunkSize: 5 * mib, Concurrency: 10}
	default:
		p = Policy{ChunkSize: 10 * mib, Concurrency: 12}
	}
	if strings.HasPrefix(mimeType, "video/") {
		p.ChunkSize += p.ChunkSize / 2
	}
	return p
}

// alignUp rounds n up to a multiple of q.
func alignUp(n, q int64) int64 {
	if n%q == 0 {
		return n
	}
	return (n/q + 1) * q
}

// alignDown rounds n down to a multiple of q.
func alignDown(n, q int64) int64 {
	return n - n%q
}
