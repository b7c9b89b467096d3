package repair

import "sort"

// ImportMap maps a symbol seen in a NameError or ModuleNotFoundError to the
// statement that brings it into scope.
type ImportMap map[string]string

var defaultImports = ImportMap{
	"np":          "import numpy as np",
	"pd":          "import pandas as pd",
	"plt":         "import matplotlib.pyplot as plt",
	"math":        "import math",
	"random":      "import random",
	"json":        "import json",
	"re":          "import re",
	"os":          "import os",
	"sys":         "import sys",
	"time":        "import time",
	"decimal":     "from decimal import Decimal, getcontext",
	"fractions":   "from fractions import Fraction",
	"itertools":   "import itertools",
	"functools":   "import functools",
	"collections": "import collections",
	"statistics":  "import statistics",
	"hashlib":     "import hashlib",
}

// DefaultImports returns a copy of the built-in mapping.
func DefaultImports() ImportMap {
	return defaultImports.Merge(nil)
}

// Merge returns a new map with extra's entries over m's. Empty statements in
// extra delete the symbol.
func (m ImportMap) Merge(extra ImportMap) ImportMap {
	out := make(ImportMap, len(m)+len(extra))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range extra {
		if v == "" {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// Symbols returns the mapped symbols, sorted.
func (m ImportMap) Symbols() []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
