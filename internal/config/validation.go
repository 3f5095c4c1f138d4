package config

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"
)

func (c Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Store.Backend == StoreRedis || c.Scheduler.Backend == SchedulerAsynq {
		if err := validate.Struct(c.Store.Redis); err != nil {
			return err
		}
	}
	if c.Scheduler.Backend == SchedulerAsynq && c.Store.Backend != StoreRedis {
		return errors.New("the asynq scheduler shares state across processes and requires the redis store")
	}
	if c.Scheduler.Backend == SchedulerAsynq && c.Simulation.ResetInProgressOnStart {
		return errors.New("simulation.resetInProgressOnStart would drop the slots of completions queued by other processes")
	}
	return nil
}

func LogValidationErrors(err error) {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		if err != nil {
			log.Errorf("ConfigError: %v", err)
		}
		return
	}
	for _, err := range validationErrors {
		fieldName := stripPrefix(err.Namespace())
		tag := err.Tag()
		switch tag {
		case "required":
			log.Errorf("ConfigError: Field %s is required but was not found", fieldName)
		default:
			log.Errorf("ConfigError: Field %s has invalid value %v: %s", fieldName, err.Value(), tag)
		}
	}
}

func stripPrefix(s string) string {
	if idx := strings.Index(s, "."); idx != -1 {
		return s[idx+1:]
	}
	return s
}
