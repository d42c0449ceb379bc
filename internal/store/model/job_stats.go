package model

type JobStats struct {
	// Total is the total number of stored jobs
	Total int
	// TotalOwners is the number of distinct identities owning a job
	TotalOwners int
	// Total number of jobs by job status
	ByStatus map[string]int
	// Total number of jobs by app status. Jobs without connection state are counted as "none".
	ByAppStatus map[string]int
}

func NewJobStats(jobs JobList) JobStats {
	stats := JobStats{
		Total:       len(jobs),
		ByStatus:    make(map[string]int),
		ByAppStatus: make(map[string]int),
	}

	owners := make(map[string]struct{})
	for _, j := range jobs {
		owners[j.Owner] = struct{}{}
		stats.ByStatus[string(j.JobStatus)]++

		appStatus := string(j.AppStatus)
		if appStatus == "" {
			appStatus = "none"
		}
		stats.ByAppStatus[appStatus]++
	}
	stats.TotalOwners = len(owners)

	return stats
}
