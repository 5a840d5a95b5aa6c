package models

import (
	"strconv"
	"strings"
)

// Assignment is one deployable instance of a model: a backend address plus
// the GPU ids that instance needs. Rows come out of MySQL with the gpu ids
// GROUP_CONCAT'ed into a single string; GpuIDList splits and trims them.
type Assignment struct {
	Name   string  `json:"name"`
	Host   string  `json:"host"`
	Port   int     `json:"port"`
	GpuIds string  `json:"gpu_ids"`
	Weight float64 `json:"weight"`
}

func (a Assignment) GpuIDList() []string {
	parts := strings.Split(a.GpuIds, ",")
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}

func (a Assignment) Addr() string {
	return a.Host + ":" + strconv.Itoa(a.Port)
}

// ContainerInfo is a backend instance selected by output category rather
// than by model name; used for paths that don't need a GPU reservation.
type ContainerInfo struct {
	ModelName string `json:"model_name"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
}

func (c ContainerInfo) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
