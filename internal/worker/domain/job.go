package domain

// Job represents a job from the database for worker processing
type Job struct {
	JobID          string
	JobType        string
	Payload        string // JSON or YAML job configuration
	Status         string
	WorkerID       string
	RetryCount     int
	MaxRetries     int
	TimeoutSeconds int
}

// ID identifies the job to the extensions it runs
func (j *Job) ID() string {
	return j.JobID
}

// JobMessage represents a job message from RabbitMQ
type JobMessage struct {
	JobID       string `json:"job_id"`
	DeliveryTag uint64 `json:"-"`
}
