package domain

import "errors"

// ErrJobNotFound indicates no live or stored job has the requested ID
var ErrJobNotFound = errors.New("job not found")

// ErrJobFinished indicates the job already reached a final status
var ErrJobFinished = errors.New("job already finished")
