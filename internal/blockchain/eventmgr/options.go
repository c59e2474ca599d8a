package eventmgr

import (
	"fmt"
	"strconv"
	"strings"
)

// RangeOptions are the block range options of a chaincode event registration. A nil field means "unspecified" and leaves the transport default in place (from the newest block, unbounded).
type RangeOptions struct {
	StartBlock *uint64
	EndBlock   *uint64
	// Disconnect tells the transport whether to disconnect itself once the end block is reached. It is always false when an end block is given.
	Disconnect *bool
}

// IsRanged tells whether the options bound the registration with a start or an end block. A hub may host at most one ranged registration.
func (o RangeOptions) IsRanged() bool {
	return o.StartBlock != nil || o.EndBlock != nil
}

// IsEmpty tells whether no option is set at all.
func (o RangeOptions) IsEmpty() bool {
	return o.StartBlock == nil && o.EndBlock == nil && o.Disconnect == nil
}

// String returns a compact representation used in logs.
func (o RangeOptions) String() string {
	var parts []string
	if o.StartBlock != nil {
		parts = append(parts, fmt.Sprintf("startBlock=%v", *o.StartBlock))
	}
	if o.EndBlock != nil {
		parts = append(parts, fmt.Sprintf("endBlock=%v", *o.EndBlock))
	}
	if o.Disconnect != nil {
		parts = append(parts, fmt.Sprintf("disconnect=%v", *o.Disconnect))
	}

	return "{" + strings.Join(parts, ", ") + "}"
}

// BuildRangeOptions computes the range options of a registration from the raw start and end block values.
//
// Specifying an end block without a start block corrupts the registration on the transport and the transport's own disconnect-at-end-block behaviour is unreliable. So whenever an end block is present, auto-disconnect is suppressed and a start block (0 if absent) is always set.
//
// Parameters:
//   the raw start block (unparseable or empty means unspecified)
//   the raw end block (unparseable or empty means unspecified)
func BuildRangeOptions(startBlockRaw, endBlockRaw string) RangeOptions {
	opts := RangeOptions{}

	if startBlock, ok := parseBlockNumber(startBlockRaw); ok {
		opts.StartBlock = &startBlock
	}

	if endBlock, ok := parseBlockNumber(endBlockRaw); ok {
		opts.EndBlock = &endBlock

		disconnect := false
		opts.Disconnect = &disconnect

		if opts.StartBlock == nil {
			startBlock := uint64(0)
			opts.StartBlock = &startBlock
		}
	}

	return opts
}

func parseBlockNumber(raw string) (uint64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}

	blockNumber, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}

	return blockNumber, true
}
