package donard

import "github.com/sbates130272/nvme-donard/internal/constants"

// Re-export constants for public API
const (
	PageSize4K                = constants.PageSize4K
	PageSize64K               = constants.PageSize64K
	PageSize128K              = constants.PageSize128K
	MaxTransferSize           = constants.MaxTransferSize
	DefaultControllerPageSize = constants.DefaultControllerPageSize
	DefaultLBAShift           = constants.DefaultLBAShift
)
