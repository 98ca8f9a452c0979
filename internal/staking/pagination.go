package staking

import (
	"encoding/binary"

	"github.com/monad-labs/execution-core/internal/types"
)

// Cursors are opaque big-endian-encoded offsets into a deterministic
// ordering; round-tripping a cursor through every page must reproduce the
// exact same set as one unbounded call.

func encodeCursor(offset uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], offset)
	return buf[:]
}

func decodeCursor(cursor []byte) (uint64, *Error) {
	if cursor == nil {
		return 0, nil
	}
	if len(cursor) != 8 {
		return 0, newError(CodeInvalidInput, "malformed cursor")
	}
	return binary.BigEndian.Uint64(cursor), nil
}

// GetConsensusValset returns a page of the current consensus valset
// starting at startIndex.
func (s *State) GetConsensusValset(startIndex uint64, limit int) []ValidatorID {
	if startIndex >= uint64(len(s.valsetConsensus)) {
		return nil
	}
	end := startIndex + uint64(limit)
	if end > uint64(len(s.valsetConsensus)) {
		end = uint64(len(s.valsetConsensus))
	}
	out := make([]ValidatorID, end-startIndex)
	copy(out, s.valsetConsensus[startIndex:end])
	return out
}

// GetDelegatorsForValidator paginates validatorID's delegators in stable
// insertion order. A nil
// nextCursor means the enumeration is exhausted.
func (s *State) GetDelegatorsForValidator(validatorID ValidatorID, cursor []byte, limit int) ([]types.Address, []byte, *Error) {
	v, err := s.validator(validatorID)
	if err != nil {
		return nil, nil, err
	}
	offset, cerr := decodeCursor(cursor)
	if cerr != nil {
		return nil, nil, cerr
	}
	if offset >= uint64(len(v.delegatorOrder)) {
		return nil, nil, nil
	}
	end := offset + uint64(limit)
	if end > uint64(len(v.delegatorOrder)) {
		end = uint64(len(v.delegatorOrder))
	}
	page := make([]types.Address, end-offset)
	copy(page, v.delegatorOrder[offset:end])

	var next []byte
	if end < uint64(len(v.delegatorOrder)) {
		next = encodeCursor(end)
	}
	return page, next, nil
}

// GetValidatorsForDelegator paginates the validators delegator holds a
// position with, in ascending ValidatorID order. There is no dedicated reverse index;
// the validator book is scanned in deterministic order and filtered, which
// is acceptable since the same ordering is recomputed identically on every
// call and no entries are skipped or duplicated across pages.
func (s *State) GetValidatorsForDelegator(delegator types.Address, cursor []byte, limit int) ([]ValidatorID, []byte, *Error) {
	offset, cerr := decodeCursor(cursor)
	if cerr != nil {
		return nil, nil, cerr
	}

	var matches []ValidatorID
	for _, id := range s.validatorOrder {
		v := s.validators[id]
		if _, ok := v.Delegators[delegator]; ok {
			matches = append(matches, id)
		}
	}

	if offset >= uint64(len(matches)) {
		return nil, nil, nil
	}
	end := offset + uint64(limit)
	if end > uint64(len(matches)) {
		end = uint64(len(matches))
	}
	page := matches[offset:end]

	var next []byte
	if end < uint64(len(matches)) {
		next = encodeCursor(end)
	}
	return page, next, nil
}
