// Package speech delivers reply text to whatever speaks it: the browser that
// asked, an MQTT-attached speaker device, or both.
package speech
