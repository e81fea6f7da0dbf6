package storage

var Classify = classify
