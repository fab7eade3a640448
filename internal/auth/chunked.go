package auth

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"hash"
	"hash/crc32"
	"hash/crc64"
	"io"
	"sort"
	"strconv"
	"strings"

	s3err "github.com/s3sfs/s3sfs/internal/errors"
)

// StreamingMode is the framing announced by x-amz-content-sha256.
type StreamingMode int

const (
	StreamingNone StreamingMode = iota
	StreamingUnsigned
	StreamingUnsignedTrailer
	StreamingSigned
	StreamingSignedTrailer
)

const (
	chunkSigAlgorithm   = "AWS4-HMAC-SHA256-PAYLOAD"
	trailerSigAlgorithm = "AWS4-HMAC-SHA256-TRAILER"

	// maxChunkHeader bounds a chunk header or trailer line.
	maxChunkHeader = 4096
)

// ParseStreamingMode maps an x-amz-content-sha256 value onto a framing.
// Unknown STREAMING- values are rejected.
func ParseStreamingMode(payloadHash string) (StreamingMode, error) {
	switch strings.TrimSpace(payloadHash) {
	case "STREAMING-UNSIGNED-PAYLOAD":
		return StreamingUnsigned, nil
	case "STREAMING-UNSIGNED-PAYLOAD-TRAILER":
		return StreamingUnsignedTrailer, nil
	case streamingPayload:
		return StreamingSigned, nil
	case streamingPayload + "-TRAILER":
		return StreamingSignedTrailer, nil
	}
	if strings.HasPrefix(payloadHash, "STREAMING-") {
		return StreamingNone, s3err.Wrapf(s3err.ErrInvalidArgument, "unsupported payload mode %q", payloadHash)
	}
	return StreamingNone, nil
}

func (m StreamingMode) signed() bool {
	return m == StreamingSigned || m == StreamingSignedTrailer
}

func (m StreamingMode) trailer() bool {
	return m == StreamingSignedTrailer || m == StreamingUnsignedTrailer
}

// ParseTrailerNames splits an x-amz-trailer header into lower-case names.
func ParseTrailerNames(header string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(header, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// ChunkedOptions configures a ChunkedReader.
type ChunkedOptions struct {
	Mode StreamingMode
	// Signature continues the chain for signed modes. Without it only the
	// framing is decoded.
	Signature *Signature
	// Trailers are the names announced in x-amz-trailer.
	Trailers []string
	// DecodedLength is x-amz-decoded-content-length, or -1.
	DecodedLength int64
}

// ChunkedReader decodes an aws-chunked body, verifying chunk signatures
// and trailing checksums as it goes.
type ChunkedReader struct {
	r         *bufio.Reader
	opts      ChunkedOptions
	remaining int64
	done      bool
	err       error
	prevSig   string
	chunkSig  string
	chunkHash hash.Hash
	checksum  *trailerChecksum
	total     int64
}

// NewChunkedReader wraps body.
func NewChunkedReader(body io.Reader, opts ChunkedOptions) *ChunkedReader {
	r := &ChunkedReader{r: bufio.NewReader(body), opts: opts}
	if opts.Mode.signed() {
		r.chunkHash = sha256.New()
		if opts.Signature != nil {
			r.prevSig = opts.Signature.Seed
		}
	}
	r.checksum = newTrailerChecksum(opts.Trailers)
	return r
}

func (r *ChunkedReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if r.done {
		return 0, io.EOF
	}
	n, err := r.read(p)
	if err != nil && err != io.EOF {
		r.err = err
	}
	return n, err
}

func (r *ChunkedReader) read(p []byte) (int, error) {
	if r.remaining == 0 {
		size, sig, err := r.readChunkHeader()
		if err != nil {
			return 0, err
		}
		r.chunkSig = sig
		if r.chunkHash != nil {
			r.chunkHash.Reset()
		}
		if size == 0 {
			return 0, r.finish()
		}
		r.remaining = size
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := io.ReadFull(r.r, p)
	if n > 0 {
		r.total += int64(n)
		if r.chunkHash != nil {
			r.chunkHash.Write(p[:n])
		}
		r.checksum.Write(p[:n])
	}
	if err != nil {
		return n, s3err.Wrap(s3err.ErrIncompleteBody, io.ErrUnexpectedEOF)
	}
	r.remaining -= int64(n)
	if r.remaining == 0 {
		if err := r.readCRLF(); err != nil {
			return n, err
		}
		if err := r.verifyChunk(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// finish handles the final zero-length chunk and the trailer section.
func (r *ChunkedReader) finish() error {
	if err := r.verifyChunk(); err != nil {
		return err
	}
	if err := r.readTrailers(); err != nil {
		return err
	}
	if r.opts.DecodedLength >= 0 && r.total != r.opts.DecodedLength {
		return s3err.Wrapf(s3err.ErrIncompleteBody, "decoded %d of %d bytes", r.total, r.opts.DecodedLength)
	}
	r.done = true
	return io.EOF
}

func (r *ChunkedReader) readChunkHeader() (int64, string, error) {
	line, err := r.readLine()
	if err == io.EOF {
		return 0, "", s3err.Wrap(s3err.ErrIncompleteBody, io.ErrUnexpectedEOF)
	}
	if err != nil {
		return 0, "", err
	}
	sizePart, ext, _ := strings.Cut(line, ";")
	var sig string
	for _, field := range strings.Split(ext, ";") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(field), "chunk-signature="); ok {
			sig = v
		}
	}
	size, err := strconv.ParseInt(strings.TrimSpace(sizePart), 16, 64)
	if err != nil || size < 0 {
		return 0, "", s3err.Wrapf(s3err.ErrIncompleteBody, "malformed chunk header %q", line)
	}
	return size, sig, nil
}

func (r *ChunkedReader) verifyChunk() error {
	if !r.opts.Mode.signed() || r.opts.Signature == nil {
		return nil
	}
	if r.chunkSig == "" {
		return s3err.Wrapf(s3err.ErrSignatureDoesNotMatch, "missing chunk signature")
	}
	sig := r.opts.Signature
	expected := signChunk(sig.SigningKey, sig.AmzDate, sig.Scope, r.prevSig, hex.EncodeToString(r.chunkHash.Sum(nil)))
	if !hmac.Equal([]byte(strings.ToLower(r.chunkSig)), []byte(expected)) {
		return s3err.Wrapf(s3err.ErrSignatureDoesNotMatch, "chunk signature mismatch")
	}
	r.prevSig = expected
	return nil
}

func (r *ChunkedReader) readTrailers() error {
	trailers := make(map[string]string)
	for {
		line, err := r.readLine()
		if err == io.EOF && len(trailers) == 0 && !r.opts.Mode.trailer() {
			// Some clients omit the final CRLF after the last chunk.
			return nil
		}
		if err == io.EOF {
			return s3err.Wrap(s3err.ErrIncompleteBody, io.ErrUnexpectedEOF)
		}
		if err != nil {
			return err
		}
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return s3err.Wrapf(s3err.ErrIncompleteBody, "malformed trailer %q", line)
		}
		trailers[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}
	if r.opts.Mode.trailer() && len(r.opts.Trailers) == 0 {
		return s3err.Wrapf(s3err.ErrInvalidRequest, "trailer mode without x-amz-trailer")
	}
	if err := r.checksum.Verify(trailers); err != nil {
		return err
	}
	if r.opts.Mode != StreamingSignedTrailer || r.opts.Signature == nil {
		return nil
	}
	canonical, err := canonicalTrailers(trailers, r.opts.Trailers)
	if err != nil {
		return err
	}
	got := trailers["x-amz-trailer-signature"]
	if got == "" {
		return s3err.Wrapf(s3err.ErrSignatureDoesNotMatch, "missing trailer signature")
	}
	expected := signTrailer(r.opts.Signature, r.prevSig, canonical)
	if !hmac.Equal([]byte(strings.ToLower(got)), []byte(expected)) {
		return s3err.Wrapf(s3err.ErrSignatureDoesNotMatch, "trailer signature mismatch")
	}
	return nil
}

func (r *ChunkedReader) readLine() (string, error) {
	var sb strings.Builder
	for {
		frag, err := r.r.ReadSlice('\n')
		sb.Write(frag)
		if sb.Len() > maxChunkHeader {
			return "", s3err.Wrapf(s3err.ErrIncompleteBody, "chunk header too long")
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF && sb.Len() == 0 {
			return "", io.EOF
		}
		if err != nil {
			return "", s3err.Wrap(s3err.ErrIncompleteBody, io.ErrUnexpectedEOF)
		}
		break
	}
	line := strings.TrimSuffix(sb.String(), "\n")
	return strings.TrimSuffix(line, "\r"), nil
}

func (r *ChunkedReader) readCRLF() error {
	var crlf [2]byte
	if _, err := io.ReadFull(r.r, crlf[:]); err != nil || crlf != [2]byte{'\r', '\n'} {
		return s3err.Wrapf(s3err.ErrIncompleteBody, "missing chunk terminator")
	}
	return nil
}

func signChunk(signingKey []byte, amzDate, scope, prevSig, chunkHash string) string {
	sts := strings.Join([]string{
		chunkSigAlgorithm,
		amzDate,
		scope,
		prevSig,
		emptySHA256,
		chunkHash,
	}, "\n")
	return hex.EncodeToString(hmacSHA256(signingKey, sts))
}

func signTrailer(sig *Signature, prevSig, canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	sts := strings.Join([]string{
		trailerSigAlgorithm,
		sig.AmzDate,
		sig.Scope,
		prevSig,
		hex.EncodeToString(sum[:]),
	}, "\n")
	return hex.EncodeToString(hmacSHA256(sig.SigningKey, sts))
}

func canonicalTrailers(trailers map[string]string, names []string) (string, error) {
	var keys []string
	for _, name := range names {
		if name == "x-amz-trailer-signature" {
			continue
		}
		if _, ok := trailers[name]; !ok {
			return "", s3err.Wrapf(s3err.ErrIncompleteBody, "missing trailer %s", name)
		}
		keys = append(keys, name)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, name := range keys {
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(strings.Join(strings.Fields(trailers[name]), " "))
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// crc64NVME is the polynomial of x-amz-checksum-crc64nvme in reversed form.
const crc64NVME = 0x9A6C9329AC4BC9B5

var crc64NVMETable = crc64.MakeTable(crc64NVME)

// trailerChecksum verifies one x-amz-checksum-* trailer.
type trailerChecksum struct {
	name string
	h    hash.Hash
}

func newTrailerChecksum(trailers []string) *trailerChecksum {
	for _, name := range trailers {
		var h hash.Hash
		switch name {
		case "x-amz-checksum-crc32":
			h = crc32.NewIEEE()
		case "x-amz-checksum-crc32c":
			h = crc32.New(crc32.MakeTable(crc32.Castagnoli))
		case "x-amz-checksum-crc64nvme":
			h = crc64.New(crc64NVMETable)
		case "x-amz-checksum-sha1":
			h = sha1.New()
		case "x-amz-checksum-sha256":
			h = sha256.New()
		default:
			continue
		}
		return &trailerChecksum{name: name, h: h}
	}
	return nil
}

func (c *trailerChecksum) Write(p []byte) {
	if c != nil {
		c.h.Write(p)
	}
}

func (c *trailerChecksum) Verify(trailers map[string]string) error {
	if c == nil {
		return nil
	}
	got, err := base64.StdEncoding.DecodeString(trailers[c.name])
	if err != nil || len(got) == 0 {
		return s3err.Wrapf(s3err.ErrInvalidDigest, "bad %s trailer", c.name)
	}
	if !hmac.Equal(got, c.h.Sum(nil)) {
		return s3err.Wrapf(s3err.ErrBadDigest, "%s mismatch", c.name)
	}
	return nil
}
