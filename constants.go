package qdma

import "github.com/ehrlich-b/go-qdma/internal/constants"

// Re-export constants for public API
const (
	DefaultRingSize      = constants.DefaultRingSize
	WQOvercommitShift    = constants.WQOvercommitShift
	DefaultPrivDataLen   = constants.DefaultPrivDataLen
	AutoAssignQueueIndex = constants.AutoAssignQueueIndex
	DescBlenMax          = constants.DescBlenMax
	H2CAlignMask         = constants.H2CAlignMask
)

// PageSize is the host page size used for streaming descriptors
var PageSize = constants.PageSize
