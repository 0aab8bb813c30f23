package runner

// MaxReasonableConcurrency is the degree of parallelism above which a warning is logged
const MaxReasonableConcurrency = 32
