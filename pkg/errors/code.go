package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 13000-13999: Evaluation (evalmgr) errors
// 14000-14999: Dispatch backend and remote bridge errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError       ErrorCode = 10100
	RecordNotFound      ErrorCode = 10101
	RecordAlreadyExists ErrorCode = 10102
	TransactionFailed   ErrorCode = 10103
	TransactionRequired ErrorCode = 10104

	// Cache errors (10200-10299)
	CacheError     ErrorCode = 10200
	CacheMiss      ErrorCode = 10201
	CacheSetFailed ErrorCode = 10202

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// Storage errors (10400-10499)
	StorageError    ErrorCode = 10400
	ObjectNotFound  ErrorCode = 10401
	QueuePublishErr ErrorCode = 10402

	// ========== Evaluation Errors (13000-13999) ==========

	// Jobs (13000-13099)
	JobNotFound         ErrorCode = 13000
	JobCancelled        ErrorCode = 13001
	InvalidEnviron      ErrorCode = 13002
	WorkerReportedErr   ErrorCode = 13003
	EnvironNotResumable ErrorCode = 13004

	// Recipes and handlers (13100-13199)
	RecipeEntryNotFound  ErrorCode = 13100
	ContractViolation    ErrorCode = 13101
	HandlerNotRegistered ErrorCode = 13102
	HandlerFailed        ErrorCode = 13103

	// Transfers (13200-13299)
	DoubleTransfer ErrorCode = 13200
	TransferFailed ErrorCode = 13201
	RestoreFailed  ErrorCode = 13202

	// ========== Dispatch & Bridge Errors (14000-14999) ==========

	// Workers (14000-14099)
	BackendUnavailable ErrorCode = 14000
	LeafJobFailed      ErrorCode = 14001
	UnknownJobType     ErrorCode = 14002

	// Callbacks (14100-14199)
	SignatureInvalid ErrorCode = 14100
	SignatureExpired ErrorCode = 14101
	ProblemSuspended ErrorCode = 14102
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized access",
	Forbidden:           "Access forbidden",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Database
	DatabaseError:       "Database operation failed",
	RecordNotFound:      "Record not found in database",
	RecordAlreadyExists: "Record already exists",
	TransactionFailed:   "Database transaction failed",
	TransactionRequired: "Operation must run inside a transaction",

	// Cache
	CacheError:     "Cache operation failed",
	CacheMiss:      "Cache miss",
	CacheSetFailed: "Failed to set cache",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Storage
	StorageError:    "Object storage operation failed",
	ObjectNotFound:  "Object not found",
	QueuePublishErr: "Failed to publish message",

	// Jobs
	JobNotFound:         "Job not found",
	JobCancelled:        "Job was cancelled",
	InvalidEnviron:      "Invalid job environment",
	WorkerReportedErr:   "Error reported by workers",
	EnvironNotResumable: "Environment cannot be resumed",

	// Recipes
	RecipeEntryNotFound:  "Recipe entry not found",
	ContractViolation:    "Handler violated its contract",
	HandlerNotRegistered: "Handler is not registered",
	HandlerFailed:        "Handler failed",

	// Transfers
	DoubleTransfer: "Job is already being transferred",
	TransferFailed: "Job transfer failed",
	RestoreFailed:  "Restoring saved environment failed",

	// Workers
	BackendUnavailable: "Worker backend unavailable",
	LeafJobFailed:      "Leaf job failed",
	UnknownJobType:     "Unknown leaf job type",

	// Callbacks
	SignatureInvalid: "Invalid callback signature",
	SignatureExpired: "Callback signature has expired",
	ProblemSuspended: "Problem judging is suspended",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == Unauthorized, c == SignatureInvalid, c == SignatureExpired:
		return 401
	case c == Forbidden:
		return 403
	case c == NotFound, c == JobNotFound, c == RecordNotFound, c == ObjectNotFound:
		return 404
	case c == RecordAlreadyExists:
		return 409
	case c == TooManyRequests:
		return 429
	case c == ServiceUnavailable, c == BackendUnavailable:
		return 503
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == InvalidEnviron:
		return 400
	default:
		return 500
	}
}
