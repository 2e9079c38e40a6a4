package hcloud

import (
	"errors"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
)

// retryable reports whether an API error is worth another attempt. Locked
// servers are common while a previous action is still running.
func retryable(err error) bool {
	var herr hcloud.Error
	if !errors.As(err, &herr) {
		return true
	}
	return isHCloudErrorCode(err,
		hcloud.ErrorCodeLocked,
		hcloud.ErrorCodeConflict,
		hcloud.ErrorCodeResourceUnavailable,
		hcloud.ErrorCodeRateLimitExceeded,
		hcloud.ErrorCodeServiceError,
	)
}

func isInvalidParameter(err error) bool {
	return isHCloudErrorCode(err,
		hcloud.ErrorCodeNotFound,
		hcloud.ErrorCodeInvalidInput,
		hcloud.ErrorCodeForbidden,
		hcloud.ErrorCodeUnauthorized,
	)
}

func isHCloudErrorCode(err error, codes ...hcloud.ErrorCode) bool {
	if err == nil {
		return false
	}
	var herr hcloud.Error
	if errors.As(err, &herr) {
		for _, code := range codes {
			if herr.Code == code {
				return true
			}
		}
	}
	return false
}

// IsNotFound checks if an error indicates a server was not found.
func IsNotFound(err error) bool {
	return isHCloudErrorCode(err, hcloud.ErrorCodeNotFound)
}
