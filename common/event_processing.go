// Copyright 2021-2022 The docwatch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"context"
	"fmt"
	"hash/fnv"
	"reflect"
	"sync"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// TaskHandler a handler function which executes one task
type TaskHandler func(ctx context.Context, task interface{}) error

// KeyedTask a task which must be processed in order relative to other tasks with the same key
type KeyedTask interface {
	// TaskKey the ordering key of the task
	TaskKey() string
}

// TaskProcessor processing module implementing an event loop model
type TaskProcessor interface {
	// Submit queue a task for processing, blocking until accepted or ctx is done
	Submit(ctx context.Context, task interface{}) error
	// Process execute a task on the caller's goroutine
	Process(ctx context.Context, task interface{}) error
	// RegisterHandler associate a handler with a task type
	RegisterHandler(taskType reflect.Type, handler TaskHandler) error
	// StartEventLoop start processing queued tasks
	StartEventLoop(wg *sync.WaitGroup) error
	// StopEventLoop stop processing queued tasks
	StopEventLoop() error
}

// taskProcessorImpl implements TaskProcessor
type taskProcessorImpl struct {
	goutils.Component
	name          string
	tasks         chan interface{}
	handlers      map[reflect.Type]TaskHandler
	handlersLock  sync.RWMutex
	opContext     context.Context
	opContextStop context.CancelFunc
}

// GetNewTaskProcessorInstance define a new TaskProcessor
func GetNewTaskProcessorInstance(
	ctx context.Context, name string, taskBuffer int,
) (TaskProcessor, error) {
	logTags := log.Fields{
		"module": "common", "component": "task-processor", "instance": name,
	}
	opCtx, cancel := context.WithCancel(ctx)
	return &taskProcessorImpl{
		Component:     goutils.Component{LogTags: logTags},
		name:          name,
		tasks:         make(chan interface{}, taskBuffer),
		handlers:      make(map[reflect.Type]TaskHandler),
		opContext:     opCtx,
		opContextStop: cancel,
	}, nil
}

// Submit queue a task for processing
func (p *taskProcessorImpl) Submit(ctx context.Context, task interface{}) error {
	if p.opContext.Err() != nil {
		return fmt.Errorf("[TP %s] processor stopped", p.name)
	}
	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.opContext.Done():
		return fmt.Errorf("[TP %s] processor stopped", p.name)
	}
}

// RegisterHandler associate a handler with a task type
func (p *taskProcessorImpl) RegisterHandler(taskType reflect.Type, handler TaskHandler) error {
	p.handlersLock.Lock()
	defer p.handlersLock.Unlock()
	log.WithFields(p.LogTags).Debugf("Registering handler for %s", taskType)
	p.handlers[taskType] = handler
	return nil
}

// Process execute a task on the caller's goroutine
func (p *taskProcessorImpl) Process(ctx context.Context, task interface{}) error {
	p.handlersLock.RLock()
	handler, ok := p.handlers[reflect.TypeOf(task)]
	p.handlersLock.RUnlock()
	if !ok {
		return fmt.Errorf("[TP %s] no handler registered for %s", p.name, reflect.TypeOf(task))
	}
	return handler(ctx, task)
}

// StartEventLoop start processing queued tasks
func (p *taskProcessorImpl) StartEventLoop(wg *sync.WaitGroup) error {
	log.WithFields(p.LogTags).Info("Starting event loop")
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer log.WithFields(p.LogTags).Info("Event loop exiting")
		for {
			select {
			case <-p.opContext.Done():
				return
			case task := <-p.tasks:
				if err := p.Process(p.opContext, task); err != nil {
					log.WithError(err).WithFields(p.LogTags).Error("Failed to process task")
				}
			}
		}
	}()
	return nil
}

// StopEventLoop stop processing queued tasks
func (p *taskProcessorImpl) StopEventLoop() error {
	log.WithFields(p.LogTags).Info("Stopping event loop")
	p.opContextStop()
	return nil
}

// ==============================================================================

// taskDemuxProcessorImpl implements TaskProcessor with multiple parallel workers.
//
// KeyedTask tasks sharing a key always go to the same worker; others are spread round-robin.
type taskDemuxProcessorImpl struct {
	goutils.Component
	name     string
	workers  []TaskProcessor
	routeIdx int
	lock     sync.Mutex
}

// GetNewTaskDemuxProcessorInstance define a TaskProcessor backed by several workers
func GetNewTaskDemuxProcessorInstance(
	ctx context.Context, name string, taskBuffer int, workerNum int,
) (TaskProcessor, error) {
	if workerNum < 1 {
		return nil, fmt.Errorf("[TDP %s] at least one worker required", name)
	}
	workers := make([]TaskProcessor, workerNum)
	for itr := 0; itr < workerNum; itr++ {
		worker, err := GetNewTaskProcessorInstance(
			ctx, fmt.Sprintf("%s.worker.%d", name, itr), taskBuffer,
		)
		if err != nil {
			return nil, err
		}
		workers[itr] = worker
	}
	logTags := log.Fields{
		"module": "common", "component": "task-demux-processor", "instance": name,
	}
	return &taskDemuxProcessorImpl{
		Component: goutils.Component{LogTags: logTags},
		name:      name,
		workers:   workers,
	}, nil
}

// route select the worker for a task
func (p *taskDemuxProcessorImpl) route(task interface{}) TaskProcessor {
	if keyed, ok := task.(KeyedTask); ok {
		hasher := fnv.New32a()
		_, _ = hasher.Write([]byte(keyed.TaskKey()))
		return p.workers[int(hasher.Sum32()%uint32(len(p.workers)))]
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	worker := p.workers[p.routeIdx]
	p.routeIdx = (p.routeIdx + 1) % len(p.workers)
	return worker
}

// Submit queue a task on its worker
func (p *taskDemuxProcessorImpl) Submit(ctx context.Context, task interface{}) error {
	return p.route(task).Submit(ctx, task)
}

// Process execute a task on the caller's goroutine
func (p *taskDemuxProcessorImpl) Process(ctx context.Context, task interface{}) error {
	return p.route(task).Process(ctx, task)
}

// RegisterHandler associate a handler with a task type on all workers
func (p *taskDemuxProcessorImpl) RegisterHandler(
	taskType reflect.Type, handler TaskHandler,
) error {
	for _, worker := range p.workers {
		if err := worker.RegisterHandler(taskType, handler); err != nil {
			return err
		}
	}
	return nil
}

// StartEventLoop start all worker loops
func (p *taskDemuxProcessorImpl) StartEventLoop(wg *sync.WaitGroup) error {
	log.WithFields(p.LogTags).Info("Starting event loops")
	for _, worker := range p.workers {
		if err := worker.StartEventLoop(wg); err != nil {
			return err
		}
	}
	return nil
}

// StopEventLoop stop all worker loops
func (p *taskDemuxProcessorImpl) StopEventLoop() error {
	log.WithFields(p.LogTags).Info("Stopping event loops")
	for _, worker := range p.workers {
		_ = worker.StopEventLoop()
	}
	return nil
}
