package main

import (
	"fmt"
	"io"

	"go.bug.st/serial/enumerator"
)

var getDetailedPortsList = enumerator.GetDetailedPortsList

func listPorts(w io.Writer) error {
	ports, err := getDetailedPortsList()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Fprintln(w, "no serial ports found")
		return nil
	}
	for _, p := range ports {
		if p.IsUSB {
			fmt.Fprintf(w, "%s\tUSB %s:%s serial=%s %s\n", p.Name, p.VID, p.PID, p.SerialNumber, p.Product)
		} else {
			fmt.Fprintln(w, p.Name)
		}
	}
	return nil
}
