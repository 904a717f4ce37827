// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynimport

import (
	"encoding/base64"
	"io/ioutil"
	"log"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
)

var nullLogger = log.New(ioutil.Discard, "", 0)

func loggerOrDiscard(l *log.Logger) *log.Logger {
	if l == nil {
		return nullLogger
	}
	return l
}

// stopper fans a single stop request out to any number of goroutines.
// The zero value is ready to use and Stop may be called more than once.
type stopper struct {
	once sync.Once
	m    sync.Mutex
	ch   chan struct{}
}

func (s *stopper) notify() <-chan struct{} {
	s.m.Lock()
	defer s.m.Unlock()
	if s.ch == nil {
		s.ch = make(chan struct{})
	}
	return s.ch
}

func (s *stopper) stop() {
	s.notify()
	s.once.Do(func() { close(s.ch) })
}

func (s *stopper) isStopped() bool {
	select {
	case <-s.notify():
		return true
	default:
		return false
	}
}

// this is based on https://docs.aws.amazon.com/amazondynamodb/latest/developerguide/WorkingWithTables.html#ItemSizeCalculations
func calcItemSize(item map[string]*dynamodb.AttributeValue) (size int) {
	for k, av := range item {
		size += len(k)
		size += calcAttrSize(av)
	}
	return size
}

func calcAttrSize(av *dynamodb.AttributeValue) (size int) {
	if av == nil {
		return 0
	}
	switch {
	case av.B != nil: // binary
		size += len(av.B)

	case av.BOOL != nil: // Bool
		size++

	case av.BS != nil: // binary set
		size += 3
		for _, v := range av.BS {
			size += len(v)
		}

	case av.L != nil: // list of attributes
		size += 3
		for _, v := range av.L {
			size += calcAttrSize(v)
		}

	case av.M != nil: // map of attributes
		size += 3
		for k, v := range av.M {
			size += len(k) + calcAttrSize(v)
		}

	case av.N != nil: // number
		size += len(*av.N)

	case av.NS != nil: // number set
		size += 3
		for _, v := range av.NS {
			size += len(aws.StringValue(v))
		}

	case av.NULL != nil: // null
		size++

	case av.S != nil: // string
		size += len(*av.S)

	case av.SS != nil: // string set
		size += 3
		for _, v := range av.SS {
			size += len(aws.StringValue(v))
		}
	}
	return size
}

// formatKey renders the named key attributes of an item for error
// reports, eg. "pk=user#1 sk=42".
func formatKey(item map[string]*dynamodb.AttributeValue, keyAttrs []string) string {
	parts := make([]string, 0, len(keyAttrs))
	for _, name := range keyAttrs {
		av, ok := item[name]
		if !ok || av == nil {
			continue
		}
		var v string
		switch {
		case av.S != nil:
			v = *av.S
		case av.N != nil:
			v = *av.N
		case av.B != nil:
			v = base64.StdEncoding.EncodeToString(av.B)
		default:
			v = "?"
		}
		parts = append(parts, name+"="+v)
	}
	return strings.Join(parts, " ")
}
