package infra

// Evaluate partitions responses by status and applies the minimum-success
// policy. When too few peers endorsed, the error carries the message of the
// first failed response in the order given. A minimumSuccess below one is
// treated as one. responses is never modified.
func Evaluate(phase Phase, responses []*EndorsementResponse, minimumSuccess int) (*ResponseSet, error) {
	if minimumSuccess < 1 {
		minimumSuccess = 1
	}

	set := &ResponseSet{
		Successful: make([]*EndorsementResponse, 0, len(responses)),
		Failed:     make([]*EndorsementResponse, 0),
	}
	for _, r := range responses {
		if r.Status == StatusSuccess {
			set.Successful = append(set.Successful, r)
		} else {
			set.Failed = append(set.Failed, r)
		}
	}

	if len(set.Successful) < minimumSuccess {
		if len(set.Failed) == 0 {
			return nil, newPipelineError(phase, NoEndorsers, "no endorsers found")
		}
		first := set.Failed[0]
		return nil, newPipelineError(phase, InsufficientEndorsers,
			"not enough endorsers: %d of %d required. %s", len(set.Successful), minimumSuccess, first.Message)
	}

	return set, nil
}
