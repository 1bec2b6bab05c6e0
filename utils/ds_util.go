package utils

import (
	"github.com/emirpasic/gods/sets"
	"github.com/emirpasic/gods/sets/hashset"
)

func List2set[T any](list []T) sets.Set {
	set := hashset.New()
	for _, value := range list {
		set.Add(value)
	}
	return set
}

// SetDifference 返回在a中但不在b中的元素，保持a的顺序
func SetDifference[T comparable](a []T, b []T) []T {
	other := List2set(b)
	var answer []T
	for _, value := range a {
		if !other.Contains(value) {
			answer = append(answer, value)
		}
	}
	return answer
}
