package broker

import "strconv"

// WildcardChannel is the monitoring channel that receives a copy of every
// published progress message regardless of job. The name is part of the
// external contract shared by API and worker processes.
const WildcardChannel = "job:progress:*"

// JobChannel returns the per-job progress channel name.
// Format: "job:progress:{job_id}"
func JobChannel(jobID int64) string {
	return "job:progress:" + strconv.FormatInt(jobID, 10)
}

// CacheKey returns the per-job cache key under which the ordered event
// stream is stored. Format: "job:progress:cache:{job_id}"
func CacheKey(jobID int64) string {
	return "job:progress:cache:" + strconv.FormatInt(jobID, 10)
}
