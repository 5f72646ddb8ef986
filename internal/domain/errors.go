package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownBot            = errors.New("bot not found in registry")
	ErrUnknownRecoveryMethod = errors.New("unknown recovery method")
	ErrRecoveryInProgress    = errors.New("recovery already in progress")
	ErrDeploymentInProgress  = errors.New("deployment already in progress for this bot")
	ErrDeploymentNotFound    = errors.New("deployment not found")
	ErrUnknownDirective      = errors.New("unknown priority directive")
	ErrTransitionInProgress  = errors.New("priority transition in progress")

	// Шаги пайплайна развёртывания
	ErrProvisioning        = errors.New("provisioning failed")
	ErrConfiguration       = errors.New("configuration failed")
	ErrOnboarding          = errors.New("onboarding failed")
	ErrResponsivenessCheck = errors.New("bot failed responsiveness test")

	// Пробы здоровья: всегда снижают score, цикл не прерывают
	ErrProbeTimeout = errors.New("probe timeout")
)

// ValidationError — синхронная ошибка валидации запроса (HTTP 400).
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// StepError привязывает причину к шагу пайплайна; Is() матчится по Kind.
type StepError struct {
	Kind error
	Step string
	Err  error
}

func (e *StepError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Step, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Step, e.Kind, e.Err)
}

func (e *StepError) Is(target error) bool { return target == e.Kind }

func (e *StepError) Unwrap() error { return e.Err }

// ProbeError — сбой отдельной проверки (соединение, протокол).
type ProbeError struct {
	Kind string
	Err  error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s: %v", e.Kind, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// StatePersistenceError — сбой сохранения/загрузки снапшота.
type StatePersistenceError struct {
	Op  string
	Err error
}

func (e *StatePersistenceError) Error() string {
	return fmt.Sprintf("state %s: %v", e.Op, e.Err)
}

func (e *StatePersistenceError) Unwrap() error { return e.Err }
