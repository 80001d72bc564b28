package store

import (
	"github.com/wavelens/gradient-sub000/internal/cachepacker"
	"github.com/wavelens/gradient-sub000/internal/evaluator"
	"github.com/wavelens/gradient-sub000/internal/httpapi"
	"github.com/wavelens/gradient-sub000/internal/scheduler/build"
	"github.com/wavelens/gradient-sub000/internal/scheduler/evaluation"
)

var (
	_ evaluator.BuildLookup  = (*Store)(nil)
	_ evaluation.Repository  = (*Store)(nil)
	_ build.Repository       = (*Store)(nil)
	_ cachepacker.Repository = (*Store)(nil)
	_ httpapi.Repository     = (*Store)(nil)
)
