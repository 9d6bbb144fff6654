package engine

import (
	"stageline/internal/domain"
)

// openReview returns the first review of req that still needs an outside
// decision. A by-project review of the request's own staging project is the
// staging gate itself and is never open in this sense.
func openReview(req domain.StagedRequest) (domain.Review, bool) {
	staging := req.StagedIn()
	for _, rv := range req.Reviews {
		if rv.State != domain.ReviewNew {
			continue
		}
		if staging != "" && rv.Subject.ByProject(staging) {
			continue
		}
		return rv, true
	}
	return domain.Review{}, false
}

// failed reports whether req can never be accepted.
func failed(req domain.StagedRequest) bool {
	switch req.State {
	case domain.RequestAccepted:
		return false
	case domain.RequestDeclined, domain.RequestRevoked, domain.RequestSuperseded:
		return true
	}
	for _, rv := range req.Reviews {
		if rv.State == domain.ReviewDeclined {
			return true
		}
	}
	return false
}

// IsBlocking reports whether req keeps its staging project from being
// accepted: it is still new, or it has an open review. Accepted requests
// never block.
func IsBlocking(req domain.StagedRequest) bool {
	switch req.State {
	case domain.RequestAccepted:
		return false
	case domain.RequestNew:
		return true
	}
	_, open := openReview(req)
	return open
}

// Evaluate derives the aggregate state of the given attached requests.
// Precedence is empty, unacceptable, review, acceptable.
func Evaluate(requests []domain.StagedRequest) domain.AggregateState {
	if len(requests) == 0 {
		return domain.StateEmpty
	}
	blocking := false
	for _, req := range requests {
		if failed(req) {
			return domain.StateUnacceptable
		}
		if IsBlocking(req) {
			blocking = true
		}
	}
	if blocking {
		return domain.StateReview
	}
	return domain.StateAcceptable
}
