// internal/domain/errors.go
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors returned by repositories.
var (
	ErrNoUser          = errors.New("user not found")
	ErrNoWorker        = errors.New("worker not found")
	ErrNoWaitingPrompt = errors.New("waiting prompt not found")
	ErrNoProcessingGen = errors.New("processing generation not found")
	ErrNoSharedKey     = errors.New("shared key not found")
	// ErrConflict is returned when a compare-and-swap update lost its race.
	ErrConflict = errors.New("concurrent modification")
)

// APIError is a failure with a stable machine-readable code and an HTTP status.
type APIError struct {
	Status  int
	RC      string
	Message string
	// Reward is echoed to workers whose submission changed nothing.
	Reward *float64
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.RC, e.Message)
}

func newAPIError(status int, rc, format string, args ...any) *APIError {
	return &APIError{Status: status, RC: rc, Message: fmt.Sprintf(format, args...)}
}

// AsAPIError unwraps err into an *APIError if it carries one.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

func ErrBadRequest(format string, args ...any) *APIError {
	return newAPIError(http.StatusBadRequest, "BadRequest", format, args...)
}

func ErrForbidden(format string, args ...any) *APIError {
	return newAPIError(http.StatusForbidden, "Forbidden", format, args...)
}

func ErrTooManyRequests() *APIError {
	return newAPIError(http.StatusTooManyRequests, "TooManyRequests", "rate limit exceeded, please slow down")
}

func ErrMaintenanceMode(endpoint string) *APIError {
	return newAPIError(http.StatusServiceUnavailable, "MaintenanceMode",
		"%s is temporarily disabled while the horde is in maintenance mode", endpoint)
}

func ErrInvalidAPIKey(subject string) *APIError {
	return newAPIError(http.StatusUnauthorized, "InvalidAPIKey", "no user matching sent API key for %s", subject)
}

func ErrMissingPrompt(alias string) *APIError {
	return newAPIError(http.StatusBadRequest, "MissingPrompt", "%s: you cannot specify an empty prompt", alias)
}

func ErrInvalidPromptSize(alias string, limit int) *APIError {
	return newAPIError(http.StatusBadRequest, "InvalidPromptSize", "%s: prompt cannot be longer than %d characters", alias, limit)
}

func ErrCorruptPrompt(alias string) *APIError {
	return newAPIError(http.StatusBadRequest, "CorruptPrompt",
		"%s: this prompt appears to violate our terms of service and will be reported", alias)
}

func ErrNSFWModelPrompt(alias string) *APIError {
	return newAPIError(http.StatusBadRequest, "CorruptPrompt",
		"%s: this prompt cannot be used with NSFW models, please select another model", alias)
}

func ErrTooManyPrompts(alias string, count, limit int64) *APIError {
	return newAPIError(http.StatusTooManyRequests, "TooManyPrompts",
		"%s: parallel requests (%d) exceeded user limit (%d), please wait for previous requests to finish", alias, count, limit)
}

func ErrTimeoutIP(ip string, ttl int64, connectType string) *APIError {
	return newAPIError(http.StatusForbidden, "TimeoutIP",
		"%s from %s has been put in timeout for %d more seconds", connectType, ip, ttl)
}

func ErrKudosUpfront(required float64, alias string) *APIError {
	return newAPIError(http.StatusForbidden, "KudosUpfront",
		"%s: due to heavy demand, requests of this size need %.2f kudos upfront", alias, required)
}

func ErrSharedKeyEmpty(id string) *APIError {
	return newAPIError(http.StatusForbidden, "SharedKeyEmpty", "shared key %s does not have enough kudos for this request", id)
}

func ErrSharedKeyExpired(id string) *APIError {
	return newAPIError(http.StatusForbidden, "SharedKeyExpired", "shared key %s has expired", id)
}

func ErrSharedKeyLimit(rc, id string) *APIError {
	return newAPIError(http.StatusForbidden, rc, "request exceeds the per-job limits of shared key %s", id)
}

func ErrInvalidSize(alias string) *APIError {
	return newAPIError(http.StatusBadRequest, "InvalidSize",
		"%s: width and height must be multiples of 64 between 64 and 3072", alias)
}

func ErrTooManySteps(alias string, steps int) *APIError {
	return newAPIError(http.StatusBadRequest, "TooManySteps", "%s: too many steps (%d), maximum is 500", alias, steps)
}

func ErrWorkerNotFound(id string) *APIError {
	return newAPIError(http.StatusNotFound, "WorkerNotFound", "worker with ID '%s' not found", id)
}

func ErrRequestNotFound(id string) *APIError {
	return newAPIError(http.StatusNotFound, "RequestNotFound",
		"request with ID '%s' not found, it may have expired or been cancelled", id)
}

func ErrInvalidJobID(id string) *APIError {
	return newAPIError(http.StatusNotFound, "InvalidJobID", "processing generation with ID %s does not exist", id)
}

func ErrUserNotFound(id string) *APIError {
	return newAPIError(http.StatusNotFound, "UserNotFound", "user with ID '%s' not found", id)
}

func ErrSharedKeyNotFound(id string) *APIError {
	return newAPIError(http.StatusNotFound, "SharedKeyNotFound", "shared key with ID '%s' not found", id)
}

func ErrAnonForbidden() *APIError {
	return newAPIError(http.StatusForbidden, "AnonForbidden", "anonymous user is forbidden from performing this operation")
}

func ErrNotTrusted() *APIError {
	return newAPIError(http.StatusForbidden, "NotTrusted", "only trusted users are allowed to perform this operation")
}

func ErrNotModerator(alias, endpoint string) *APIError {
	return newAPIError(http.StatusForbidden, "NotModerator", "%s is not a moderator and cannot use %s", alias, endpoint)
}

func ErrNotOwner(alias, name string) *APIError {
	return newAPIError(http.StatusForbidden, "NotOwner", "%s is not the owner of %s", alias, name)
}

func ErrWrongCredentials(alias, worker string) *APIError {
	return newAPIError(http.StatusForbidden, "WrongCredentials", "wrong credentials to submit as %s for worker %s", alias, worker)
}

func ErrWorkerMaintenance(msg string) *APIError {
	return newAPIError(http.StatusForbidden, "WorkerMaintenance", "%s", msg)
}

func ErrTooManySameIPs(alias string) *APIError {
	return newAPIError(http.StatusForbidden, "TooManySameIPs",
		"%s: you are running too many workers from the same IP address", alias)
}

func ErrWorkerInviteOnly(current int64) *APIError {
	return newAPIError(http.StatusForbidden, "WorkerInviteOnly",
		"the horde is currently in worker invite-only mode and you already have %d workers", current)
}

func ErrUnsafeIP(ip string) *APIError {
	return newAPIError(http.StatusForbidden, "UnsafeIP", "worker attempted to connect from an unsafe IP address: %s", ip)
}

func ErrTooManyNewIPs(ip string) *APIError {
	return newAPIError(http.StatusForbidden, "TooManyNewIPs",
		"we are receiving too many worker connections from new IP addresses, please try again later (%s)", ip)
}

func ErrProfanity(alias, text, kind string) *APIError {
	return newAPIError(http.StatusBadRequest, "Profanity", "%s: profanity detected in %s '%s'", alias, kind, text)
}

func ErrPolymorphicNameConflict(name string) *APIError {
	return newAPIError(http.StatusBadRequest, "PolymorphicNameConflict",
		"worker name '%s' is already used by a worker of a different type", name)
}

func ErrNameAlreadyExists(name string) *APIError {
	return newAPIError(http.StatusBadRequest, "NameAlreadyExists", "worker name '%s' already exists", name)
}

func ErrDuplicateGen(worker, id string) *APIError {
	err := newAPIError(http.StatusBadRequest, "DuplicateGen",
		"processing generation %s already submitted by worker %s", id, worker)
	var zero float64
	err.Reward = &zero
	return err
}

func ErrAbortedGen(worker, id string) *APIError {
	return newAPIError(http.StatusBadRequest, "AbortedGen",
		"processing generation %s was aborted because worker %s took too long", id, worker)
}

func ErrKudosValidation(alias, msg string) *APIError {
	return newAPIError(http.StatusBadRequest, "KudosValidationError", "%s: %s", alias, msg)
}

func ErrLocked(format string, args ...any) *APIError {
	return newAPIError(http.StatusLocked, "Locked", format, args...)
}

func ErrTooManyWorkers(alias string, limit int) *APIError {
	return newAPIError(http.StatusForbidden, "TooManyWorkers", "%s: you cannot register more than %d workers", alias, limit)
}

func ErrTooManySharedKeys(alias string, limit int) *APIError {
	return newAPIError(http.StatusBadRequest, "TooManySharedKeys", "%s: you cannot have more than %d shared keys", alias, limit)
}
