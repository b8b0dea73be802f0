package ffl

import "sync"

//Task is one unit of work executed by a Pool.
type Task interface {
	Run()
}

//Pool is a fixed-size worker pool. Tasks are added with AddTask, the task
//stream is finished with Close and WaitAll blocks until every task has run.
type Pool struct {
	tasks chan Task
	wg    sync.WaitGroup
}

//NewPool starts workersNum workers and returns the pool.
func NewPool(workersNum int) *Pool {
	pool := &Pool{tasks: make(chan Task)}
	for ind := 0; ind < workersNum; ind++ {
		pool.wg.Add(1)
		go func() {
			defer pool.wg.Done()
			for task := range pool.tasks {
				task.Run()
			}
		}()
	}
	return pool
}

//AddTask sends one task to the workers.
func (pool *Pool) AddTask(task Task) {
	pool.tasks <- task
}

//Close finishes the task stream.
func (pool *Pool) Close() {
	close(pool.tasks)
}

//WaitAll blocks until all added tasks have completed.
func (pool *Pool) WaitAll() {
	pool.wg.Wait()
}
