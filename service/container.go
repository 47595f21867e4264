package service

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// StatusUndefined when the container can not find the service.
	StatusUndefined = iota

	// StatusRegistered when the service has been registered in the container.
	StatusRegistered

	// StatusServing when the service is currently serving.
	StatusServing

	// StatusStopping when the service is currently stopping.
	StatusStopping

	// StatusStopped when the service has been stopped.
	StatusStopped
)

// Service can serve.
type Service interface {
	//Serve serves. It blocks until the service ends.
	Serve() error

	//Stop stops the service.
	Stop()
}

// Container supervises the runtime's named services: transport-backed
// engine, metrics endpoint. Registration order is stop order reversed.
type Container struct {
	mu       sync.Mutex
	log      logrus.FieldLogger
	services []*entry

	errs chan failure
}

type failure struct {
	name string
	err  error
}

// errServeDone marks a service that returned from Serve without an error.
var errServeDone = fmt.Errorf("service finished")

type entry struct {
	name string
	svc  Service

	mu     sync.Mutex
	status int
}

func (e *entry) getStatus() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.status
}

func (e *entry) setStatus(status int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = status
}

func (e *entry) hasStatus(status int) bool {
	return e.getStatus() == status
}

// NewContainer builds an empty container logging through log.
func NewContainer(log logrus.FieldLogger) *Container {
	return &Container{
		log:      log,
		services: make([]*entry, 0),
	}
}

// Register adds a new service to the container under the given name.
func (c *Container) Register(name string, svc Service) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.services = append(c.services, &entry{
		name:   name,
		svc:    svc,
		status: StatusRegistered,
	})
}

// Has reports whether a service has been registered.
func (c *Container) Has(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.services {
		if e.name == name {
			return true
		}
	}

	return false
}

// Get returns a service and its status by name.
func (c *Container) Get(name string) (Service, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.services {
		if e.name == name {
			return e.svc, e.getStatus()
		}
	}

	return nil, StatusUndefined
}

// List returns the registered service names in registration order.
func (c *Container) List() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.services))
	for _, e := range c.services {
		names = append(names, e.name)
	}

	return names
}

// Serve starts every registered service and blocks until one fails or all
// finish. The first failure stops the rest and is returned.
func (c *Container) Serve() error {
	c.mu.Lock()
	running := 0

	//buffered so a late Serve return can never strand a goroutine
	c.errs = make(chan failure, len(c.services))

	for _, e := range c.services {
		if !e.hasStatus(StatusRegistered) {
			continue
		}

		running++
		c.log.Debugf("[%s]: started", e.name)

		//serving before the task starts, so a Stop racing an early
		//failure of another service still reaches this one
		e.setStatus(StatusServing)

		go func(e *entry) {
			defer e.setStatus(StatusStopped)

			if err := e.svc.Serve(); err != nil {
				c.errs <- failure{name: e.name, err: errors.Wrap(err, fmt.Sprintf("[%s]", e.name))}
			} else {
				c.errs <- failure{name: e.name, err: errServeDone}
			}
		}(e)
	}
	c.mu.Unlock()

	if running == 0 {
		return nil
	}

	for fail := range c.errs {
		if fail.err == errServeDone {
			c.log.Debugf("[%s]: finished", fail.name)

			running--
			if running == 0 {
				return nil
			}

			continue
		}

		c.log.Errorf("[%s]: %s", fail.name, fail.err)
		c.Stop()

		return fail.err
	}

	return nil
}

// Stop stops all serving services, last registered first.
func (c *Container) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := len(c.services) - 1; i >= 0; i-- {
		e := c.services[i]

		if e.hasStatus(StatusServing) {
			e.setStatus(StatusStopping)
			e.svc.Stop()
			e.setStatus(StatusStopped)

			c.log.Debugf("[%s]: stopped", e.name)
		}
	}
}
