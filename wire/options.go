package wire

import (
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/tftpd/limits"
)

// Option names the server recognizes. Unknown options are ignored and not
// echoed in the OACK (RFC 2347).
const (
	// OptionBlockSize is the RFC 2348 blksize option.
	OptionBlockSize = "blksize"
	// OptionTransferSize is the tsize option: the server reports the file
	// size for downloads and echoes the client's declared size for uploads.
	OptionTransferSize = "tsize"
)

// NegotiatedOptions is the server's side of an RFC 2347 negotiation.
type NegotiatedOptions struct {
	// BlockSize is the DATA payload size, limits.DefaultBlockSize when the
	// client did not negotiate one.
	BlockSize int
	// TransferSize is the declared transfer size in bytes. Informational
	// only; never enforced.
	TransferSize uint64
	// HasTransferSize reports whether TransferSize is meaningful.
	HasTransferSize bool
}

// Negotiate examines the options of a request and produces the negotiated
// values plus the OACK option set, in the order the options were accepted.
//
// For downloads sizeKnown is true and fileSize is the file's size on disk;
// the server replaces any client tsize value with it. For uploads sizeKnown
// is false and the client's declared tsize is echoed back.
//
// Negotiation is tolerant: an unparseable recognized option is dropped
// rather than rejected, and out-of-range blksize values clamp to the nearest
// bound. An empty returned OptionMap means no OACK is sent and the transfer
// proceeds per RFC 1350.
func Negotiate(requested OptionMap, fileSize uint64, sizeKnown bool) (NegotiatedOptions, OptionMap) {
	negotiated := NegotiatedOptions{BlockSize: limits.DefaultBlockSize}
	var acked OptionMap

	for _, pair := range requested.Pairs() {
		switch pair.Name {
		case OptionBlockSize:
			requestedSize, err := strconv.Atoi(pair.Value)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Negotiate",
					"value":    pair.Value,
				}).Debug("Dropping unparseable blksize option")
				continue
			}
			negotiated.BlockSize = limits.ClampBlockSize(requestedSize)
			acked.Set(OptionBlockSize, strconv.Itoa(negotiated.BlockSize))

		case OptionTransferSize:
			if sizeKnown {
				negotiated.TransferSize = fileSize
				negotiated.HasTransferSize = true
				acked.Set(OptionTransferSize, strconv.FormatUint(fileSize, 10))
				continue
			}
			declared, err := strconv.ParseUint(pair.Value, 10, 64)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Negotiate",
					"value":    pair.Value,
				}).Debug("Dropping unparseable tsize option")
				continue
			}
			negotiated.TransferSize = declared
			negotiated.HasTransferSize = true
			acked.Set(OptionTransferSize, pair.Value)

		default:
			// Unknown option: ignored, not echoed.
		}
	}

	return negotiated, acked
}
